package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/iommu"
	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/logging"
	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/simctrl"
	"github.com/wilkening-mark/RecSSD-UNVMeDriver/nvme"
)

func main() {
	var (
		bdf       = flag.String("bdf", "01:00.0", "PCIe BDF of the controller to attach")
		simulate  = flag.Bool("simulate", false, "drive an in-process simulated controller instead of real hardware")
		qcount    = flag.Uint("queues", 0, "I/O queue count (0 = device-granted max)")
		qsize     = flag.Uint("qsize", 0, "I/O queue depth (0 = device max)")
		blocksIO  = flag.Uint("blocks-per-io", 8, "blocks transferred per I/O")
		duration  = flag.Duration("duration", 5*time.Second, "how long to run the benchmark")
		pattern   = flag.String("pattern", "read", "read, write, or mixed")
		verbose   = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	if *pattern != "read" && *pattern != "write" && *pattern != "mixed" {
		log.Fatalf("invalid -pattern %q: want read, write, or mixed", *pattern)
	}

	opts := nvme.OpenOptions{Logger: logger}
	var simDev *simctrl.Device
	if *simulate {
		dev, container := simctrl.NewDevice(simctrl.DefaultOptions())
		simDev = dev
		opts.Container = func(string) (iommu.Container, error) { return container, nil }
		logger.Info("running against an in-process simulated controller")
	}

	params := nvme.OpenParams{NSID: 1, QCount: uint16(*qcount), QSize: uint16(*qsize)}
	ns, err := nvme.Open(*bdf, params, opts)
	if err != nil {
		if simDev != nil {
			simDev.Close()
		}
		log.Fatalf("nvme.Open(%s): %v", *bdf, err)
	}
	defer func() {
		if err := ns.Close(); err != nil {
			logger.Error("close failed", "error", err)
		}
		if simDev != nil {
			simDev.Close()
		}
	}()

	logger.Info("attached",
		"bdf", *bdf,
		"block_count", ns.BlockCount(),
		"block_size", ns.BlockSize(),
		"queue_count", ns.QueueCount(),
		"max_blocks_per_io", ns.MaxBlocksPerIO())

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal, stopping benchmark")
		cancel()
	}()

	var completed uint64
	var errCount uint64
	var wg sync.WaitGroup

	nlb := uint32(*blocksIO)
	if nlb == 0 {
		nlb = 1
	}
	if max := ns.MaxBlocksPerIO(); nlb > max {
		nlb = max
	}
	ioBytes := int(nlb) * int(ns.BlockSize())

	start := time.Now()
	for q := 0; q < ns.QueueCount(); q++ {
		wg.Add(1)
		go runWorker(ctx, &wg, ns, q, nlb, ioBytes, *pattern, &completed, &errCount)
	}
	wg.Wait()
	elapsed := time.Since(start)

	snap := ns.Metrics().Snapshot(time.Now().UnixNano())
	fmt.Printf("\n--- unvme-bench results ---\n")
	fmt.Printf("pattern:        %s\n", *pattern)
	fmt.Printf("elapsed:        %s\n", elapsed)
	fmt.Printf("completed ops:  %d (%d errors)\n", atomic.LoadUint64(&completed), atomic.LoadUint64(&errCount))
	fmt.Printf("read ops:       %d (%d bytes)\n", snap.ReadOps, snap.ReadBytes)
	fmt.Printf("write ops:      %d (%d bytes)\n", snap.WriteOps, snap.WriteBytes)
	fmt.Printf("read iops:      %.1f\n", snap.ReadIOPS)
	fmt.Printf("write iops:     %.1f\n", snap.WriteIOPS)
	fmt.Printf("avg latency:    %s\n", time.Duration(snap.AvgLatencyNs))
	fmt.Printf("p50/p99/p99.9:  %s / %s / %s\n",
		time.Duration(snap.LatencyP50Ns), time.Duration(snap.LatencyP99Ns), time.Duration(snap.LatencyP999Ns))
	fmt.Printf("error rate:     %.3f%%\n", snap.ErrorRate)
}

// runWorker issues I/O on a single queue index until ctx is cancelled,
// picking the next LBA pseudo-randomly within range for each operation.
func runWorker(ctx context.Context, wg *sync.WaitGroup, ns *nvme.Namespace, qid int, nlb uint32, ioBytes int, pattern string, completed, errCount *uint64) {
	defer wg.Done()
	pinToQueue(qid)

	buf, err := ns.Alloc(ioBytes)
	if err != nil {
		logging.Default().Error("alloc failed", "qid", qid, "error", err)
		atomic.AddUint64(errCount, 1)
		return
	}
	defer ns.Free(buf)
	for i := range buf.Virt {
		buf.Virt[i] = byte(i)
	}

	rng := rand.New(rand.NewSource(int64(qid) + 1))
	maxSLBA := ns.BlockCount() - uint64(nlb)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		slba := uint64(rng.Int63n(int64(maxSLBA) + 1))
		write := pattern == "write" || (pattern == "mixed" && rng.Intn(2) == 0)

		var opErr error
		if write {
			opErr = ns.Write(qid, buf, slba, nlb)
		} else {
			opErr = ns.Read(qid, buf, slba, nlb)
		}
		if opErr != nil {
			atomic.AddUint64(errCount, 1)
			continue
		}
		atomic.AddUint64(completed, 1)
	}
}
