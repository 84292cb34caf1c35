// Package registry tracks the live client connections attached to each
// session and fans payloads out to them.
//
// Each session has its own connection set guarded by its own mutex. The
// registry-wide lock is held only to find, create or drop a set and is never
// held while waiting on a set lock, so work on unrelated sessions never
// serializes behind a slow broadcast.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/workspace/session-broker/internal/errs"
)

// DefaultSendTimeout bounds a single send to a single connection.
const DefaultSendTimeout = 5 * time.Second

// Connection is a client transport attached to a session. The transport owns
// its lifetime; the registry only owns set membership.
type Connection interface {
	// ID uniquely identifies the connection across all sessions.
	ID() string
	// Send delivers one payload. It must return once ctx is done.
	Send(ctx context.Context, payload []byte) error
	// Close terminates the transport with a reason for the peer.
	Close(reason string) error
}

// Config configures a Registry.
type Config struct {
	// MaxPerSession caps attached connections per session (0 = unbounded).
	MaxPerSession int
	// SendTimeout bounds each send (default DefaultSendTimeout).
	SendTimeout time.Duration
	Logger      *slog.Logger
}

type connSet struct {
	mu     sync.Mutex
	conns  map[string]Connection
	closed bool
}

// closeIfEmptyLocked marks an empty set closed and reports whether this call
// closed it. set.mu must be held.
func (s *connSet) closeIfEmptyLocked() bool {
	if s.closed || len(s.conns) > 0 {
		return false
	}
	s.closed = true
	return true
}

// Registry maps session IDs to their attached connections.
type Registry struct {
	maxPerSession int
	sendTimeout   time.Duration
	logger        *slog.Logger

	mu   sync.Mutex
	sets map[string]*connSet

	// ownersMu is a leaf lock: nothing else is acquired while it is held.
	ownersMu sync.Mutex
	owners   map[string]string // connection ID -> session ID
}

// New creates a Registry.
func New(cfg Config) *Registry {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		maxPerSession: cfg.MaxPerSession,
		sendTimeout:   cfg.SendTimeout,
		logger:        cfg.Logger,
		sets:          make(map[string]*connSet),
		owners:        make(map[string]string),
	}
}

// claim records conn as owned by sessionID. It reports whether the claim is
// new, or fails if the connection already belongs to another session.
func (r *Registry) claim(connID, sessionID string) (bool, error) {
	r.ownersMu.Lock()
	defer r.ownersMu.Unlock()
	if owner, ok := r.owners[connID]; ok {
		if owner != sessionID {
			return false, errs.New(errs.InvalidState, "connection %s is attached to another session", connID)
		}
		return false, nil
	}
	r.owners[connID] = sessionID
	return true, nil
}

func (r *Registry) release(connIDs ...string) {
	r.ownersMu.Lock()
	for _, id := range connIDs {
		delete(r.owners, id)
	}
	r.ownersMu.Unlock()
}

func (r *Registry) setFor(sessionID string, create bool) *connSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.sets[sessionID]
	if set == nil && create {
		set = &connSet{conns: make(map[string]Connection)}
		r.sets[sessionID] = set
	}
	return set
}

// Attach registers conn under sessionID. Attaching a connection twice to the
// same session is a no-op.
func (r *Registry) Attach(sessionID string, conn Connection) error {
	id := conn.ID()
	fresh, err := r.claim(id, sessionID)
	if err != nil {
		return err
	}

	for {
		set := r.setFor(sessionID, true)
		set.mu.Lock()
		if set.closed {
			// Lost a race with the set being torn down; fetch the new one.
			set.mu.Unlock()
			continue
		}
		if _, ok := set.conns[id]; ok {
			set.mu.Unlock()
			return nil
		}
		if r.maxPerSession > 0 && len(set.conns) >= r.maxPerSession {
			set.mu.Unlock()
			if fresh {
				r.release(id)
			}
			return errs.New(errs.CapacityExceeded, "session %s already has %d connections", sessionID, r.maxPerSession)
		}
		set.conns[id] = conn
		n := len(set.conns)
		set.mu.Unlock()

		r.logger.Debug("Connection attached", "sessionID", sessionID, "connectionID", id, "connections", n)
		return nil
	}
}

// Detach removes conn from sessionID. It reports whether it was attached.
// The connection is not closed.
func (r *Registry) Detach(sessionID string, conn Connection) bool {
	id := conn.ID()
	set := r.setFor(sessionID, false)
	if set == nil {
		return false
	}

	// The set lock may be held by a broadcast for up to the send timeout, so
	// it is taken without r.mu.
	set.mu.Lock()
	_, ok := set.conns[id]
	delete(set.conns, id)
	emptied := set.closeIfEmptyLocked()
	set.mu.Unlock()
	if emptied {
		r.dropSet(sessionID, set)
	}

	if ok {
		r.release(id)
		r.logger.Debug("Connection detached", "sessionID", sessionID, "connectionID", id)
	}
	return ok
}

// DetachAll removes and closes every connection of sessionID. It returns the
// number of connections closed.
func (r *Registry) DetachAll(sessionID, reason string) int {
	r.mu.Lock()
	set := r.sets[sessionID]
	delete(r.sets, sessionID)
	r.mu.Unlock()
	if set == nil {
		return 0
	}

	set.mu.Lock()
	set.closed = true
	conns := set.conns
	set.conns = map[string]Connection{}
	set.mu.Unlock()

	ids := make([]string, 0, len(conns))
	for id, c := range conns {
		ids = append(ids, id)
		if err := c.Close(reason); err != nil {
			r.logger.Debug("Connection close failed", "sessionID", sessionID, "connectionID", id, "error", err)
		}
	}
	r.release(ids...)

	if len(conns) > 0 {
		r.logger.Info("Detached all connections", "sessionID", sessionID, "count", len(conns), "reason", reason)
	}
	return len(conns)
}

// Count returns the number of connections attached to sessionID.
func (r *Registry) Count(sessionID string) int {
	set := r.setFor(sessionID, false)
	if set == nil {
		return 0
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	return len(set.conns)
}

// Total returns the number of attached connections across all sessions.
func (r *Registry) Total() int {
	r.ownersMu.Lock()
	defer r.ownersMu.Unlock()
	return len(r.owners)
}

// Broadcast sends payload to every connection of sessionID and returns the
// number of successful deliveries. Sends run concurrently, each bounded by
// the send timeout. A connection whose send fails is removed and closed.
// Broadcast never fails; with no connections it does nothing.
//
// Broadcasts to one session are serialized, so payloads reach every
// connection in the order Broadcast was called.
func (r *Registry) Broadcast(ctx context.Context, sessionID string, payload []byte) int {
	set := r.setFor(sessionID, false)
	if set == nil {
		return 0
	}

	set.mu.Lock()
	if len(set.conns) == 0 {
		set.mu.Unlock()
		return 0
	}
	conns := make([]Connection, 0, len(set.conns))
	for _, c := range set.conns {
		conns = append(conns, c)
	}

	results := make([]error, len(conns))
	var g errgroup.Group
	for i, c := range conns {
		g.Go(func() error {
			results[i] = r.send(ctx, c, payload)
			return nil
		})
	}
	_ = g.Wait()

	var failed []int
	delivered := 0
	for i, err := range results {
		switch {
		case err == nil:
			delivered++
		case ctx.Err() != nil:
			// The caller gave up; the connection is not at fault.
		default:
			failed = append(failed, i)
			delete(set.conns, conns[i].ID())
		}
	}
	emptied := set.closeIfEmptyLocked()
	set.mu.Unlock()

	if len(failed) > 0 {
		ids := make([]string, 0, len(failed))
		for _, i := range failed {
			c := conns[i]
			ids = append(ids, c.ID())
			r.logger.Warn("Dropping connection after failed send",
				"sessionID", sessionID, "connectionID", c.ID(), "error", results[i])
			_ = c.Close("send failed")
		}
		r.release(ids...)
	}
	if emptied {
		r.dropSet(sessionID, set)
	}
	return delivered
}

// dropSet removes set from the registry if it is still the one registered
// for sessionID. Callers close the set first, so a racing Attach fetches a
// fresh one instead of joining a set that is being removed.
func (r *Registry) dropSet(sessionID string, set *connSet) {
	r.mu.Lock()
	if r.sets[sessionID] == set {
		delete(r.sets, sessionID)
	}
	r.mu.Unlock()
}

var errSendTimeout = errors.New("send timed out")

// send runs one Send under the per-send deadline. A Send that ignores its
// context is abandoned when the deadline passes.
func (r *Registry) send(ctx context.Context, c Connection, payload []byte) error {
	sctx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Send(sctx, payload) }()

	select {
	case err := <-done:
		if err != nil {
			return errs.Wrap(errs.TransportError, err, "send")
		}
		return nil
	case <-sctx.Done():
		return errs.Wrap(errs.TransportError, errSendTimeout, "send")
	}
}
