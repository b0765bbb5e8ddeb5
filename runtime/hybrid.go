package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/xerrors"
)

// HybridInterfaceFile exchanges utilization information with an
// external resource manager through files in a shared directory, one
// utilization file per rank. Each record holds the apprank number, the
// seconds elapsed and a single busy-core value; no per-rank busy-core
// vector is written.
type HybridInterfaceFile struct {
	dir          string
	externalRank int
	apprankNum   int

	utilization *os.File

	lk        sync.Mutex
	busyCores float64
	sample    func() float64

	ticker *time.Ticker
	stop   chan struct{}
	done   chan struct{}
}

// NewHybridInterfaceFile opens the utilization file for this rank.
func NewHybridInterfaceFile(dir string, externalRank, apprankNum int) (*HybridInterfaceFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Errorf("creating hybrid directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("utilization.%d", externalRank))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, xerrors.Errorf("opening utilization file: %w", err)
	}

	return &HybridInterfaceFile{
		dir:          dir,
		externalRank: externalRank,
		apprankNum:   apprankNum,
		utilization:  f,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}, nil
}

// SetBusyCores updates the utilization sample the next poll appends.
func (h *HybridInterfaceFile) SetBusyCores(v float64) {
	h.lk.Lock()
	h.busyCores = v
	h.lk.Unlock()
}

// Start polls on the given period, appending one utilization record
// per tick. When sample is non-nil it supplies the busy-core value;
// otherwise SetBusyCores does.
func (h *HybridInterfaceFile) Start(period time.Duration, sample func() float64) {
	h.sample = sample
	h.ticker = time.NewTicker(period)
	start := time.Now()

	go func() {
		defer close(h.done)
		for {
			select {
			case <-h.ticker.C:
				h.poll(time.Since(start))
			case <-h.stop:
				return
			}
		}
	}()
}

func (h *HybridInterfaceFile) poll(elapsed time.Duration) {
	var busy float64
	if h.sample != nil {
		busy = h.sample()
	} else {
		h.lk.Lock()
		busy = h.busyCores
		h.lk.Unlock()
	}

	_, err := fmt.Fprintf(h.utilization, "%d %.3f %.3f\n",
		h.apprankNum, elapsed.Seconds(), busy)
	if err != nil {
		log.Warnw("appending utilization failed", "error", err)
	}
}

func (h *HybridInterfaceFile) Stop() {
	if h.ticker == nil {
		_ = h.utilization.Close()
		return
	}
	h.ticker.Stop()
	close(h.stop)
	<-h.done
	_ = h.utilization.Close()
}
