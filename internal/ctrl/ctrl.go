// Package ctrl implements controller bring-up: register reset/enable, the
// admin queue pair, IDENTIFY CONTROLLER/NAMESPACE, negotiating the I/O
// queue count, and creating the I/O queue pairs.
//
// The bring-up sequence follows the same AddDevice / SetParams / StartDevice
// shape as a ublk control plane, with logging at each step, generalized to
// NVMe's reset/AQA/ASQ/ACQ/CC.EN sequence.
package ctrl

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/constants"
	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/dma"
	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/iommu"
	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/logging"
	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/nvmewire"
	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/queue"
	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/regs"
)

const (
	mps    = 0 // CC.MPS = 0 -> 4096-byte pages
	iosqes = 6 // 2^6 = 64 bytes
	iocqes = 4 // 2^4 = 16 bytes
)

// Controller is the bring-up result: a register window, a DMA arena, the
// admin queue pair, and every I/O queue pair created during Attach.
type Controller struct {
	BDF string

	Win   *regs.Window
	Arena *dma.Arena

	Identity Identity

	AdminQP *queue.QueuePair
	IOQPs   []*queue.QueuePair

	dstrd     uint32
	nextCID   uint16
	container iommu.Container
	log       *logging.Logger
}

// Attach binds bdf into container, resets and enables the controller,
// identifies it and the given namespace, and creates params.QCount I/O
// queue pairs (or the device-granted maximum if params.QCount == 0).
func Attach(bdf string, container iommu.Container, params Params, log *logging.Logger) (*Controller, error) {
	if log == nil {
		log = logging.Default()
	}
	log = log.With("bdf", bdf)
	if err := container.BindFunction(bdf); err != nil {
		return nil, errors.Wrapf(err, "ctrl: BindFunction(%s)", bdf)
	}
	bar, err := container.MapBAR(0)
	if err != nil {
		return nil, errors.Wrap(err, "ctrl: MapBAR(0)")
	}
	win := regs.New(bar)
	arena := dma.NewArena(container, constants.DefaultPageSize, constants.DefaultPageSize*1024)

	c := &Controller{
		BDF:       bdf,
		Win:       win,
		Arena:     arena,
		dstrd:     win.CAPDoorbellStride(),
		container: container,
		log:       log,
	}

	if err := c.resetAndEnable(); err != nil {
		arena.Close()
		return nil, err
	}

	adminDepth := uint16(constants.DefaultAdminQueueSize)
	adminQP, err := queue.New(0, adminDepth, win, c.dstrd, arena, constants.DefaultPageSize)
	if err != nil {
		arena.Close()
		return nil, errors.Wrap(err, "ctrl: allocating admin queue pair")
	}
	win.SetAQA(adminDepth, adminDepth)
	win.SetASQ(adminQP.SQIOVA())
	win.SetACQ(adminQP.CQIOVA())
	c.AdminQP = adminQP

	if err := c.enable(); err != nil {
		arena.Close()
		return nil, err
	}

	if err := c.identifyController(); err != nil {
		arena.Close()
		return nil, err
	}

	qcount, err := c.negotiateQueueCount(params.QCount)
	if err != nil {
		arena.Close()
		return nil, err
	}

	nsid := params.NSID
	if nsid == 0 {
		nsid = 1
	}
	if err := c.identifyNamespace(nsid); err != nil {
		arena.Close()
		return nil, err
	}

	qsize := params.QSize
	if qsize == 0 {
		// CAP.MQES+1 can be as large as 65536, one past uint16's range;
		// depth-1 (what actually goes out on the wire in CREATE IO
		// CQ/SQ's CDW10) always fits, so clamp the depth itself to
		// uint16's max rather than silently wrapping to 0.
		max := win.CAPMaxQueueEntries()
		if max > 0xffff {
			max = 0xffff
		}
		qsize = uint16(max)
	}

	if err := c.createIOQueues(qcount, qsize); err != nil {
		arena.Close()
		return nil, err
	}

	log.Info("controller attached", "qcount", qcount, "qsize", qsize)
	return c, nil
}

func (c *Controller) resetAndEnable() error {
	c.Win.SetCC(false, mps, iosqes, iocqes)
	deadline := time.Now().Add(constants.DefaultResetTimeout)
	for c.Win.CSTS()&regs.CSTSRDY != 0 {
		if time.Now().After(deadline) {
			return errDeviceTimeout("reset: CSTS.RDY did not clear")
		}
		time.Sleep(constants.ResetPollInterval)
	}
	return nil
}

func (c *Controller) enable() error {
	c.Win.SetCC(true, mps, iosqes, iocqes)
	timeout := constants.DefaultEnableTimeout
	if ms := c.Win.CAPTimeoutMS(); ms != 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	for c.Win.CSTS()&regs.CSTSRDY == 0 {
		if c.Win.CSTS()&regs.CSTSCFS != 0 {
			return errFatal("enable: controller reported a fatal status (CSTS.CFS)")
		}
		if time.Now().After(deadline) {
			return errDeviceTimeout("enable: CSTS.RDY did not set")
		}
		time.Sleep(constants.ResetPollInterval)
	}
	return nil
}

// adminRoundTrip submits sqe on the admin queue and busy-polls until it
// resolves or constants.AdminCommandTimeout elapses.
func (c *Controller) adminRoundTrip(sqe nvmewire.SQE) (dw0 uint32, status uint16, err error) {
	c.nextCID++
	d, err := c.AdminQP.SubmitOne(sqe)
	if err != nil {
		return 0, 0, errors.Wrap(err, "ctrl: admin submit")
	}
	deadline := time.Now().Add(constants.AdminCommandTimeout)
	for {
		c.AdminQP.PumpCompletions()
		st := d.Poll()
		if st.Kind != queue.StatusPending {
			if st.Kind == queue.StatusError {
				return d.LastDW0, st.NVMeStatus, nil
			}
			return d.LastDW0, 0, nil
		}
		if time.Now().After(deadline) {
			return 0, 0, errDeviceTimeout("admin command timed out")
		}
		time.Sleep(constants.ResetPollInterval)
	}
}

func (c *Controller) identifyController() error {
	page, err := c.Arena.Alloc(constants.DefaultPageSize)
	if err != nil {
		return errors.Wrap(err, "ctrl: allocating IDENTIFY CONTROLLER page")
	}
	defer c.Arena.Free(page)

	sqe := nvmewire.BuildIdentify(0, 0, nvmewire.CNSController, page.IOVA)
	_, status, err := c.adminRoundTrip(sqe)
	if err != nil {
		return err
	}
	if status != 0 {
		return errNVMeStatus(status)
	}
	ic := nvmewire.ParseIdentifyController(page.Virt)
	c.Identity.VendorID = ic.VID
	c.Identity.SubsystemVendorID = ic.SSVID
	c.Identity.MDTS = ic.MDTS
	c.Identity.SerialNumber = trimASCII(ic.SerialNumber[:])
	c.Identity.ModelNumber = trimASCII(ic.ModelNumber[:])
	return nil
}

func (c *Controller) identifyNamespace(nsid uint32) error {
	page, err := c.Arena.Alloc(constants.DefaultPageSize)
	if err != nil {
		return errors.Wrap(err, "ctrl: allocating IDENTIFY NAMESPACE page")
	}
	defer c.Arena.Free(page)

	sqe := nvmewire.BuildIdentify(0, nsid, nvmewire.CNSNamespace, page.IOVA)
	_, status, err := c.adminRoundTrip(sqe)
	if err != nil {
		return err
	}
	if status != 0 {
		return errNVMeStatus(status)
	}
	ns := nvmewire.ParseIdentifyNamespace(page.Virt)
	c.Identity.BlockCount = ns.NSZE
	c.Identity.BlockSize = ns.LogicalBlockSize()
	c.Identity.FormattedLBASize = ns.ActiveLBAF().LBADS
	return nil
}

// negotiateQueueCount requests `requested` I/O queues (0 = "as many as the
// device grants") and returns the granted count, failing with
// out-of-resource if the caller asked for a specific count the device
// could not grant.
func (c *Controller) negotiateQueueCount(requested uint16) (uint16, error) {
	ask := requested
	if ask == 0 {
		ask = 0xffff
	}
	sqe := nvmewire.BuildSetFeaturesNumQueues(0, ask-1, ask-1)
	dw0, status, err := c.adminRoundTrip(sqe)
	if err != nil {
		return 0, err
	}
	if status != 0 {
		return 0, errNVMeStatus(status)
	}
	grantedSQ := uint16(dw0&0xffff) + 1
	grantedCQ := uint16((dw0>>16)&0xffff) + 1
	granted := grantedSQ
	if grantedCQ < granted {
		granted = grantedCQ
	}
	if requested != 0 && granted < requested {
		return 0, errOutOfResource(fmt.Sprintf("requested %d I/O queues, device granted %d", requested, granted))
	}
	if requested != 0 {
		granted = requested
	}
	if granted == 0 {
		granted = uint16(constants.DefaultIOQueueCount)
	}
	return granted, nil
}

func (c *Controller) createIOQueues(qcount, qsize uint16) error {
	for qid := uint16(1); qid <= qcount; qid++ {
		qp, err := queue.New(qid, qsize, c.Win, c.dstrd, c.Arena, constants.DefaultPageSize)
		if err != nil {
			c.teardownQueues()
			return errors.Wrapf(err, "ctrl: allocating I/O queue pair %d", qid)
		}

		cqSQE := nvmewire.BuildCreateIOCQ(0, qid, qsize, qp.CQIOVA(), 0, false)
		_, status, err := c.adminRoundTrip(cqSQE)
		if err != nil || status != 0 {
			qp.Close()
			c.teardownQueues()
			if err != nil {
				return err
			}
			return errNVMeStatus(status)
		}

		sqSQE := nvmewire.BuildCreateIOSQ(0, qid, qsize, qp.SQIOVA(), qid, 0)
		_, status, err = c.adminRoundTrip(sqSQE)
		if err != nil || status != 0 {
			c.deleteIOQueue(qid)
			qp.Close()
			c.teardownQueues()
			if err != nil {
				return err
			}
			return errNVMeStatus(status)
		}

		c.IOQPs = append(c.IOQPs, qp)
	}
	return nil
}

func (c *Controller) deleteIOQueue(qid uint16) {
	c.adminRoundTrip(nvmewire.BuildDeleteIOSQ(0, qid))
	c.adminRoundTrip(nvmewire.BuildDeleteIOCQ(0, qid))
}

// teardownQueues deletes and closes every I/O queue pair created so far,
// in reverse order.
func (c *Controller) teardownQueues() {
	for i := len(c.IOQPs) - 1; i >= 0; i-- {
		qp := c.IOQPs[i]
		c.deleteIOQueue(qp.QID)
		qp.Close()
	}
	c.IOQPs = nil
}

// Detach deletes every I/O queue, disables the controller, and releases
// the register window and DMA arena. Callers (root nvme package) drive
// this only once a namespace handle's refcount drops to zero.
func (c *Controller) Detach() error {
	c.teardownQueues()
	c.Win.SetCC(false, mps, iosqes, iocqes)
	if c.AdminQP != nil {
		c.AdminQP.Close()
	}
	if err := c.Arena.Close(); err != nil {
		return err
	}
	return c.container.Close()
}

func trimASCII(b []byte) string {
	end := len(b)
	for end > 0 && (b[end-1] == ' ' || b[end-1] == 0) {
		end--
	}
	return string(b[:end])
}
