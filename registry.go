// Package collab holds the server-side synchronization core: the room
// registry, the per-room state and sequencer, and the stale presence
// reaper. Transport concerns live in the server package; this package only
// sees Session handles it can send encoded messages to.
package collab

import (
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/Allen1801/google-docs-clone/utils"
)

// Registry creates and looks up rooms by document id. There is exactly one
// Room instance per id for the process lifetime; rooms are never evicted,
// so a long-running process accumulates state for every document ever
// joined (a known property of this design, not an oversight).
type Registry struct {
	rooms *xsync.MapOf[string, *Room]
	log   utils.Logger
	clock func() time.Time

	relayedBatches atomic.Int64
	reapedRecords  atomic.Int64
}

type RegistryOpt interface {
	Apply(*Registry)
}

// RegistryClockOpt overrides the time source, used by sweep tests.
type RegistryClockOpt struct {
	Clock func() time.Time
}

func (opt *RegistryClockOpt) Apply(reg *Registry) {
	reg.clock = opt.Clock
}

func NewRegistry(log utils.Logger, opts ...RegistryOpt) *Registry {
	reg := &Registry{
		rooms: xsync.NewMapOf[string, *Room](),
		log:   log,
		clock: time.Now,
	}
	for _, o := range opts {
		o.Apply(reg)
	}
	return reg
}

// GetOrCreate returns the room for the id, creating it on first use. Safe
// for concurrent use: two sessions joining a fresh id at once still end up
// in the same Room instance.
func (reg *Registry) GetOrCreate(roomID string) *Room {
	room, loaded := reg.rooms.LoadOrCompute(roomID, func() *Room {
		r := newRoom(roomID, reg.log, reg.clock)
		r.onRelay = func() { reg.relayedBatches.Add(1) }
		r.onSweep = func(removed int) { reg.reapedRecords.Add(int64(removed)) }
		return r
	})
	if !loaded {
		reg.log.Info("registry: room created", "room", roomID)
	}
	return room
}

// Lookup returns the room without creating it.
func (reg *Registry) Lookup(roomID string) (*Room, bool) {
	return reg.rooms.Load(roomID)
}

func (reg *Registry) Range(f func(room *Room) bool) {
	reg.rooms.Range(func(_ string, room *Room) bool {
		return f(room)
	})
}

func (reg *Registry) Len() int {
	return reg.rooms.Size()
}

// RelayedBatches is the total number of operation batches accepted and
// relayed across all rooms since process start.
func (reg *Registry) RelayedBatches() int64 {
	return reg.relayedBatches.Load()
}

// ReapedRecords is the total number of presence records removed by sweeps.
func (reg *Registry) ReapedRecords() int64 {
	return reg.reapedRecords.Load()
}
