// Package presence maps connected users to their live connection handle.
package presence

import (
	"sort"
	"sync"

	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/logging"
	"github.com/matheus3301/chatd/internal/metrics"
	"go.uber.org/zap"
)

// Conn is a live connection able to take a serialized frame. Send must not
// block; it reports false when the frame could not be queued.
type Conn interface {
	Send(frame []byte) bool
}

// FlagWriter persists the best-effort online flag.
type FlagWriter interface {
	SetOnline(userID string, online bool) error
}

// Registry is the in-memory presence map. One entry per user: the most
// recent connection wins.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn

	flags   FlagWriter
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// New creates an empty registry. flags, b and m may be nil.
func New(flags FlagWriter, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Registry {
	return &Registry{
		conns:   make(map[string]Conn),
		flags:   flags,
		bus:     b,
		metrics: m,
		logger:  logging.OrNop(logger),
	}
}

// Register makes c the delivery handle for userID and returns the handle it
// replaced, if any. The replaced connection is not closed.
func (r *Registry) Register(userID string, c Conn) Conn {
	r.mu.Lock()
	prev := r.conns[userID]
	r.conns[userID] = c
	n := len(r.conns)
	r.mu.Unlock()

	r.metrics.SetOnline(n)
	if prev == nil {
		r.logger.Info("user online", zap.String("user_id", userID), zap.Int("online", n))
		r.publish(bus.KindPresenceOnline, userID)
	} else if prev != c {
		r.logger.Info("user reconnected, replacing handle", zap.String("user_id", userID))
	}
	r.syncFlag(userID)
	return prev
}

// Unregister removes userID only while c is still its current handle, so a
// late disconnect of a replaced connection leaves the newer one in place.
func (r *Registry) Unregister(userID string, c Conn) bool {
	r.mu.Lock()
	cur, ok := r.conns[userID]
	if !ok || cur != c {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, userID)
	n := len(r.conns)
	r.mu.Unlock()

	r.metrics.SetOnline(n)
	r.logger.Info("user offline", zap.String("user_id", userID), zap.Int("online", n))
	r.publish(bus.KindPresenceOffline, userID)
	r.syncFlag(userID)
	return true
}

// Lookup returns the current handle for userID.
func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[userID]
	return c, ok
}

// Online returns the registered user ids, sorted.
func (r *Registry) Online() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Count returns the number of registered users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Wait blocks until pending flag writes finish.
func (r *Registry) Wait() {
	r.wg.Wait()
}

// syncFlag writes the persisted online flag in the background. The value is
// read when the write runs, so quick connect/disconnect pairs converge on
// the latest state.
func (r *Registry) syncFlag(userID string) {
	if r.flags == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_, online := r.Lookup(userID)
		if err := r.flags.SetOnline(userID, online); err != nil {
			r.logger.Warn("persist online flag failed",
				zap.String("user_id", userID), zap.Bool("online", online), zap.Error(err))
		}
	}()
}

func (r *Registry) publish(kind, userID string) {
	if r.bus != nil {
		r.bus.Emit(kind, bus.PresencePayload{UserID: userID})
	}
}
