package collab

import (
	"context"
	"sync"
	"time"

	"github.com/Allen1801/google-docs-clone/utils"
)

const (
	// DefaultSweepPeriod is how often the reaper walks the registry.
	DefaultSweepPeriod = 30 * time.Second
	// DefaultStaleAfter is how long a presence record may go without a
	// refresh before a sweep removes it. Clients heartbeat well inside
	// this window, so only truly gone participants expire.
	DefaultStaleAfter = 10 * time.Second
)

// Reaper periodically removes presence records whose lastSeen has gone
// stale and lets each affected room broadcast its updated presence set.
// It runs independently of any connection and takes each room's own lock
// per sweep, so it never stalls message handling in other rooms.
type Reaper struct {
	reg        *Registry
	period     time.Duration
	staleAfter time.Duration
	log        utils.Logger
	clock      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type ReaperOpt interface {
	Apply(*Reaper)
}

type ReaperPeriodOpt struct {
	Period time.Duration
}

func (opt *ReaperPeriodOpt) Apply(rp *Reaper) {
	rp.period = opt.Period
}

type ReaperStaleAfterOpt struct {
	StaleAfter time.Duration
}

func (opt *ReaperStaleAfterOpt) Apply(rp *Reaper) {
	rp.staleAfter = opt.StaleAfter
}

type ReaperClockOpt struct {
	Clock func() time.Time
}

func (opt *ReaperClockOpt) Apply(rp *Reaper) {
	rp.clock = opt.Clock
}

func NewReaper(reg *Registry, log utils.Logger, opts ...ReaperOpt) *Reaper {
	ctx, cancel := context.WithCancel(context.Background())
	rp := &Reaper{
		reg:        reg,
		period:     DefaultSweepPeriod,
		staleAfter: DefaultStaleAfter,
		log:        log,
		clock:      time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, o := range opts {
		o.Apply(rp)
	}
	return rp
}

// Start launches the sweep loop. Call Close to stop it.
func (rp *Reaper) Start() {
	rp.wg.Add(1)
	go func() {
		defer rp.wg.Done()
		ticker := time.NewTicker(rp.period)
		defer ticker.Stop()
		for {
			select {
			case <-rp.ctx.Done():
				return
			case <-ticker.C:
				rp.Sweep()
			}
		}
	}()
}

// Sweep walks every room once and reaps records older than the staleness
// threshold. Exported so tests can drive it without waiting for the ticker.
func (rp *Reaper) Sweep() {
	cutoff := rp.clock().Add(-rp.staleAfter)
	rp.reg.Range(func(room *Room) bool {
		if removed := room.ReapStale(cutoff); removed > 0 {
			rp.log.Debug("reaper: removed stale presence", "room", room.ID(), "count", removed)
		}
		return true
	})
}

func (rp *Reaper) Close() error {
	rp.cancel()
	rp.wg.Wait()
	return nil
}
