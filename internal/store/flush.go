package store

import (
	"log"
	"sync"
	"time"
)

// StatusFlushWorker periodically flushes dirty lease rows and buffered usage
// events to the pool database.
// It triggers a flush when:
//   - DirtyCount() >= threshold, OR
//   - time.Since(lastFlush) >= interval (and dirty count > 0)
//
// On Stop(), a final flush is performed before returning.
type StatusFlushWorker struct {
	engine      *Engine
	reader      LeaseReader
	thresholdFn func() int
	intervalFn  func() time.Duration
	checkTick   time.Duration // how often to check conditions

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewStatusFlushWorker creates a flush worker that pulls threshold/interval
// from callbacks on each check cycle.
// checkTick controls how often flush conditions are evaluated (e.g. 1s).
func NewStatusFlushWorker(
	engine *Engine,
	reader LeaseReader,
	thresholdFn func() int,
	intervalFn func() time.Duration,
	checkTick time.Duration,
) *StatusFlushWorker {
	if reader == nil {
		panic("store: NewStatusFlushWorker requires non-nil reader")
	}
	if thresholdFn == nil {
		panic("store: NewStatusFlushWorker requires non-nil thresholdFn")
	}
	if intervalFn == nil {
		panic("store: NewStatusFlushWorker requires non-nil intervalFn")
	}
	if checkTick <= 0 {
		panic("store: NewStatusFlushWorker requires positive checkTick")
	}

	return &StatusFlushWorker{
		engine:      engine,
		reader:      reader,
		thresholdFn: thresholdFn,
		intervalFn:  intervalFn,
		checkTick:   checkTick,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the background flush goroutine.
func (w *StatusFlushWorker) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop signals the worker to stop and performs a final flush.
// Blocks until the goroutine exits.
func (w *StatusFlushWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *StatusFlushWorker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.checkTick)
	defer ticker.Stop()

	lastFlush := time.Now()

	for {
		select {
		case <-w.stopCh:
			// Final flush before exit.
			w.doFlush()
			return
		case <-ticker.C:
			dirty := w.engine.DirtyCount()
			if dirty == 0 {
				continue // Skip empty flush.
			}

			threshold := w.thresholdFn()
			interval := w.intervalFn()
			if dirty >= threshold || time.Since(lastFlush) >= interval {
				w.doFlush()
				lastFlush = time.Now()
			}
		}
	}
}

func (w *StatusFlushWorker) doFlush() {
	if err := w.engine.FlushDirty(w.reader); err != nil {
		log.Printf("[store] flush error (entries re-merged): %v", err)
	}
}
