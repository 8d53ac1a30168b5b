package nvme

import (
	"errors"
	"testing"
	"time"

	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/iommu"
	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/simctrl"
)

// openSimulated attaches bdf to a freshly-created simulated device and
// returns the namespace plus a cleanup func that closes both.
func openSimulated(t *testing.T, bdf string, simOpt simctrl.Options, params OpenParams) (*Namespace, func()) {
	t.Helper()
	dev, container := simctrl.NewDevice(simOpt)
	factory := func(string) (iommu.Container, error) { return container, nil }
	ns, err := Open(bdf, params, OpenOptions{Container: factory})
	if err != nil {
		dev.Close()
		t.Fatalf("Open(%s): %v", bdf, err)
	}
	return ns, func() {
		ns.Close()
		dev.Close()
	}
}

func TestOpenAttachesAndReportsShape(t *testing.T) {
	ns, cleanup := openSimulated(t, "01:00.0", simctrl.DefaultOptions(), DefaultOpenParams())
	defer cleanup()

	if ns.BlockCount() != 4096 {
		t.Errorf("BlockCount = %d, want 4096", ns.BlockCount())
	}
	if ns.BlockSize() != 512 {
		t.Errorf("BlockSize = %d, want 512", ns.BlockSize())
	}
	if ns.QueueCount() != 8 {
		t.Errorf("QueueCount = %d, want 8 (device-granted max)", ns.QueueCount())
	}
	if ns.MaxBlocksPerIO() == 0 {
		t.Errorf("MaxBlocksPerIO = 0, want > 0")
	}
}

func TestOpenTwiceSharesControllerAndRefcounts(t *testing.T) {
	bdf := "01:00.0"
	dev, container := simctrl.NewDevice(simctrl.DefaultOptions())
	defer dev.Close()
	factory := func(string) (iommu.Container, error) { return container, nil }

	ns1, err := Open(bdf, DefaultOpenParams(), OpenOptions{Container: factory})
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	ns2, err := Open(bdf, DefaultOpenParams(), OpenOptions{Container: factory})
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if ns1.ctrl != ns2.ctrl {
		t.Errorf("expected both handles to share the same controller")
	}
	if globalRegistry.count(bdf) != 2 {
		t.Errorf("registry refcount = %d, want 2", globalRegistry.count(bdf))
	}

	if err := ns1.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if globalRegistry.count(bdf) != 1 {
		t.Errorf("registry refcount after first Close = %d, want 1", globalRegistry.count(bdf))
	}
	if err := ns2.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if globalRegistry.count(bdf) != 0 {
		t.Errorf("registry refcount after second Close = %d, want 0", globalRegistry.count(bdf))
	}
}

func TestOpenRejectsQSizeOne(t *testing.T) {
	_, err := Open("01:00.0", OpenParams{NSID: 1, QCount: 1, QSize: 1}, OpenOptions{})
	if err == nil {
		t.Fatalf("expected Open to reject qsize == 1")
	}
	if !IsCode(err, ErrCodeInvalidArgument) {
		t.Errorf("error code = %v, want ErrCodeInvalidArgument", err)
	}
}

func TestOpenFailsWhenMoreQueuesRequestedThanGranted(t *testing.T) {
	dev, container := simctrl.NewDevice(simctrl.DefaultOptions())
	defer dev.Close()
	factory := func(string) (iommu.Container, error) { return container, nil }

	_, err := Open("01:00.0", OpenParams{NSID: 1, QCount: 100}, OpenOptions{Container: factory})
	if err == nil {
		t.Fatalf("expected Open to fail requesting more queues than the device grants")
	}
	if !IsCode(err, ErrCodeOutOfResource) {
		t.Errorf("error code = %v, want ErrCodeOutOfResource", err)
	}
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	ns, cleanup := openSimulated(t, "01:00.0", simctrl.DefaultOptions(), DefaultOpenParams())
	defer cleanup()

	wbuf, err := ns.Alloc(int(ns.BlockSize()))
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer ns.Free(wbuf)
	for i := range wbuf.Virt {
		wbuf.Virt[i] = byte(i)
	}

	if err := ns.Write(0, wbuf, 10, 1); err != nil {
		t.Fatalf("Write: %v", err)
	}

	rbuf, err := ns.Alloc(int(ns.BlockSize()))
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer ns.Free(rbuf)

	if err := ns.Read(0, rbuf, 10, 1); err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i := range rbuf.Virt {
		if rbuf.Virt[i] != wbuf.Virt[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, rbuf.Virt[i], wbuf.Virt[i])
		}
	}
}

func TestFlushSucceeds(t *testing.T) {
	ns, cleanup := openSimulated(t, "01:00.0", simctrl.DefaultOptions(), DefaultOpenParams())
	defer cleanup()

	if err := ns.Flush(0); err != nil {
		t.Errorf("Flush: %v", err)
	}
}

func TestReadRejectsOutOfRangeLBA(t *testing.T) {
	ns, cleanup := openSimulated(t, "01:00.0", simctrl.DefaultOptions(), DefaultOpenParams())
	defer cleanup()

	buf, err := ns.Alloc(int(ns.BlockSize()))
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer ns.Free(buf)

	err = ns.Read(0, buf, ns.BlockCount(), 1)
	if err == nil {
		t.Fatalf("expected Read past BlockCount to fail")
	}
	if !IsCode(err, ErrCodeInvalidArgument) {
		t.Errorf("error code = %v, want ErrCodeInvalidArgument", err)
	}
}

func TestReadRejectsQIDOutOfRange(t *testing.T) {
	ns, cleanup := openSimulated(t, "01:00.0", simctrl.DefaultOptions(), DefaultOpenParams())
	defer cleanup()

	buf, err := ns.Alloc(int(ns.BlockSize()))
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer ns.Free(buf)

	_, err = ns.ARead(ns.QueueCount(), buf, 0, 1)
	if err == nil {
		t.Fatalf("expected ARead with qid == qcount to fail")
	}
	if !IsCode(err, ErrCodeInvalidArgument) {
		t.Errorf("error code = %v, want ErrCodeInvalidArgument", err)
	}
}

func TestWriteRejectsForeignBuffer(t *testing.T) {
	ns1, cleanup1 := openSimulated(t, "01:00.0", simctrl.DefaultOptions(), DefaultOpenParams())
	defer cleanup1()
	ns2, cleanup2 := openSimulated(t, "02:00.0", simctrl.DefaultOptions(), DefaultOpenParams())
	defer cleanup2()

	foreign, err := ns2.Alloc(int(ns2.BlockSize()))
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer ns2.Free(foreign)

	err = ns1.Write(0, foreign, 0, 1)
	if err == nil {
		t.Fatalf("expected Write with a foreign buffer to fail")
	}
	if !IsCode(err, ErrCodeInvalidArgument) {
		t.Errorf("error code = %v, want ErrCodeInvalidArgument", err)
	}
}

func TestFreeRejectsForeignBuffer(t *testing.T) {
	ns1, cleanup1 := openSimulated(t, "01:00.0", simctrl.DefaultOptions(), DefaultOpenParams())
	defer cleanup1()
	ns2, cleanup2 := openSimulated(t, "02:00.0", simctrl.DefaultOptions(), DefaultOpenParams())
	defer cleanup2()

	foreign, err := ns2.Alloc(int(ns2.BlockSize()))
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer ns2.Free(foreign)

	if err := ns1.Free(foreign); err == nil {
		t.Fatalf("expected Free of a foreign buffer to fail")
	} else if !IsCode(err, ErrCodeNotOwned) {
		t.Errorf("error code = %v, want ErrCodeNotOwned", err)
	}
}

func TestLargeWriteFragmentsAcrossMaxBlocksPerIO(t *testing.T) {
	opt := simctrl.DefaultOptions()
	opt.MDTS = 1 // 2 pages = 8KiB max transfer -> 16 blocks of 512B
	ns, cleanup := openSimulated(t, "01:00.0", opt, DefaultOpenParams())
	defer cleanup()

	nlb := uint32(ns.MaxBlocksPerIO() * 3)
	size := int(nlb) * int(ns.BlockSize())

	buf, err := ns.Alloc(size)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer ns.Free(buf)
	for i := range buf.Virt {
		buf.Virt[i] = byte(i % 251)
	}

	if err := ns.Write(0, buf, 0, nlb); err != nil {
		t.Fatalf("Write (fragmented): %v", err)
	}

	rbuf, err := ns.Alloc(size)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer ns.Free(rbuf)

	if err := ns.Read(0, rbuf, 0, nlb); err != nil {
		t.Fatalf("Read (fragmented): %v", err)
	}
	for i := range rbuf.Virt {
		if rbuf.Virt[i] != buf.Virt[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, rbuf.Virt[i], buf.Virt[i])
		}
	}
}

func TestConcurrentIOAcrossQueues(t *testing.T) {
	ns, cleanup := openSimulated(t, "01:00.0", simctrl.DefaultOptions(), DefaultOpenParams())
	defer cleanup()

	const nqueues = 4
	errs := make(chan error, nqueues)
	for q := 0; q < nqueues; q++ {
		q := q
		go func() {
			buf, err := ns.Alloc(int(ns.BlockSize()))
			if err != nil {
				errs <- err
				return
			}
			defer ns.Free(buf)
			for i := range buf.Virt {
				buf.Virt[i] = byte(q)
			}
			if err := ns.Write(q, buf, uint64(q), 1); err != nil {
				errs <- err
				return
			}
			errs <- ns.Read(q, buf, uint64(q), 1)
		}()
	}
	for i := 0; i < nqueues; i++ {
		if err := <-errs; err != nil {
			t.Errorf("queue goroutine: %v", err)
		}
	}
}

func TestAPollShortTimeoutResolvesCommand(t *testing.T) {
	ns, cleanup := openSimulated(t, "01:00.0", simctrl.DefaultOptions(), DefaultOpenParams())
	defer cleanup()

	buf, err := ns.Alloc(int(ns.BlockSize()))
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer ns.Free(buf)

	h, err := ns.ARead(0, buf, 0, 1)
	if err != nil {
		t.Fatalf("ARead: %v", err)
	}
	// The simulated device ticks every 200us in the background, so a
	// reasonably short positive timeout should resolve the command.
	if err := ns.APoll(h, 50*time.Millisecond); err != nil {
		t.Errorf("APoll: %v", err)
	}
}

func TestMetricsRecordSuccessfulOps(t *testing.T) {
	ns, cleanup := openSimulated(t, "01:00.0", simctrl.DefaultOptions(), DefaultOpenParams())
	defer cleanup()

	buf, err := ns.Alloc(int(ns.BlockSize()))
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer ns.Free(buf)

	if err := ns.Write(0, buf, 0, 1); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := ns.Read(0, buf, 0, 1); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := ns.Flush(0); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	snap := ns.Metrics().Snapshot(time.Now().UnixNano())
	if snap.WriteOps != 1 {
		t.Errorf("WriteOps = %d, want 1", snap.WriteOps)
	}
	if snap.ReadOps != 1 {
		t.Errorf("ReadOps = %d, want 1", snap.ReadOps)
	}
	if snap.FlushOps != 1 {
		t.Errorf("FlushOps = %d, want 1", snap.FlushOps)
	}
	if snap.ReadBytes != uint64(ns.BlockSize()) {
		t.Errorf("ReadBytes = %d, want %d", snap.ReadBytes, ns.BlockSize())
	}
	if snap.WriteBytes != uint64(ns.BlockSize()) {
		t.Errorf("WriteBytes = %d, want %d", snap.WriteBytes, ns.BlockSize())
	}
}

func TestExtendedChainsPrefixWriteIntoRead(t *testing.T) {
	bdf := "01:00.0"
	dev, container := simctrl.NewDevice(simctrl.DefaultOptions())
	defer dev.Close()
	factory := func(string) (iommu.Container, error) { return container, nil }

	ns, err := Open(bdf, DefaultOpenParams(), OpenOptions{Container: factory})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ns.Close()

	prefix, err := ns.Alloc(int(ns.BlockSize()))
	if err != nil {
		t.Fatalf("Alloc(prefix): %v", err)
	}
	defer ns.Free(prefix)
	for i := range prefix.Virt {
		prefix.Virt[i] = byte(0xa0 + i%16)
	}

	result, err := ns.Alloc(int(ns.BlockSize()))
	if err != nil {
		t.Fatalf("Alloc(result): %v", err)
	}
	defer ns.Free(result)

	const vendorOpcode = 0x80 // within nvmewire.IOOpVendorSpecificMin's range
	if err := ns.Extended(0, vendorOpcode, prefix, result, 3, 1); err != nil {
		t.Fatalf("Extended: %v", err)
	}

	got := dev.LastVendorPrefix()
	if len(got) != len(prefix.Virt) {
		t.Fatalf("LastVendorPrefix length = %d, want %d", len(got), len(prefix.Virt))
	}
	for i := range got {
		if got[i] != prefix.Virt[i] {
			t.Fatalf("LastVendorPrefix[%d] = %#x, want %#x", i, got[i], prefix.Virt[i])
		}
	}

	snap := ns.Metrics().Snapshot(nowUnixNano())
	if snap.ReadOps != 1 {
		t.Errorf("ReadOps = %d, want 1 (extended's data phase is metered as a read)", snap.ReadOps)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	ns, cleanup := openSimulated(t, "01:00.0", simctrl.DefaultOptions(), DefaultOpenParams())
	defer cleanup()

	if err := ns.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := ns.Close(); err != nil {
		t.Errorf("second Close (idempotent) should not error, got %v", err)
	}
}

func TestExitCode(t *testing.T) {
	if ExitCode(nil) != 0 {
		t.Errorf("ExitCode(nil) = %d, want 0", ExitCode(nil))
	}
	timeoutErr := newError("APoll", "01:00.0", 0, ErrCodeDeviceTimeout, "timed out")
	if ExitCode(timeoutErr) != -1 {
		t.Errorf("ExitCode(timeout) = %d, want -1", ExitCode(timeoutErr))
	}
	statusErr := nvmeStatusError("APoll", "01:00.0", 0, 0x0102)
	if got := ExitCode(statusErr); got <= 0 {
		t.Errorf("ExitCode(status) = %d, want > 0", got)
	}
	other := errors.New("boom")
	if ExitCode(other) != -1 {
		t.Errorf("ExitCode(unrecognized non-nil error) = %d, want -1", ExitCode(other))
	}
}
