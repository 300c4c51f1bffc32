package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	rcerrors "github.com/docforge/rescache/pkg/errors"
	"github.com/docforge/rescache/pkg/utils"
)

// DefaultSweepInterval is how often expired entries are swept.
const DefaultSweepInterval = 60 * time.Second

// Sweeper periodically removes expired entries from a Store.
type Sweeper struct {
	store    *Store
	interval time.Duration
	logger   *utils.StructuredLogger

	lifecycle sync.Mutex
	stopCh    chan struct{} // nil while stopped
	wg        sync.WaitGroup
	sweeps    uint64
}

// NewSweeper creates a sweeper for store.
func NewSweeper(store *Store, interval time.Duration, logger *utils.StructuredLogger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger.WithComponent("ttl-sweeper"),
	}
}

// Start begins sweeping until Stop is called or ctx is done.
func (sw *Sweeper) Start(ctx context.Context) error {
	sw.lifecycle.Lock()
	defer sw.lifecycle.Unlock()

	if sw.stopCh != nil {
		return rcerrors.NewError(rcerrors.ErrCodeAlreadyStarted, "sweeper already running").
			WithComponent("ttl-sweeper")
	}
	sw.stopCh = make(chan struct{})

	sw.wg.Add(1)
	go sw.loop(ctx, sw.stopCh)
	return nil
}

// Stop stops the sweeper and waits for the loop to exit.
func (sw *Sweeper) Stop() error {
	sw.lifecycle.Lock()
	defer sw.lifecycle.Unlock()

	if sw.stopCh == nil {
		return nil
	}
	close(sw.stopCh)
	sw.stopCh = nil
	sw.wg.Wait()
	return nil
}

// Sweeps returns the number of completed sweep ticks.
func (sw *Sweeper) Sweeps() uint64 {
	return atomic.LoadUint64(&sw.sweeps)
}

func (sw *Sweeper) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer sw.wg.Done()

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			sw.tick()
		}
	}
}

func (sw *Sweeper) tick() {
	defer func() {
		if r := recover(); r != nil {
			sw.logger.Error("Recovered panic during TTL sweep", map[string]interface{}{
				"code":  rcerrors.ErrCodePanicRecovered,
				"panic": fmt.Sprint(r),
			})
		}
	}()

	removed := sw.store.Sweep()
	atomic.AddUint64(&sw.sweeps, 1)
	if removed > 0 {
		sw.logger.Debug("Swept expired entries", map[string]interface{}{
			"removed": removed,
		})
	}
}
