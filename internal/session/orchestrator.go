package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workspace/session-broker/internal/errs"
	"github.com/workspace/session-broker/internal/generator"
	"github.com/workspace/session-broker/internal/idle"
	"github.com/workspace/session-broker/internal/persistence"
	"github.com/workspace/session-broker/internal/provisioner"
	"github.com/workspace/session-broker/internal/registry"
)

// Config tunes the orchestrator.
type Config struct {
	// ContextWindow is how many recent messages are sent to the generator,
	// including the current user message.
	ContextWindow int
	// RelayTimeout bounds a whole relay.
	RelayTimeout time.Duration
	// DrainTimeout bounds how long End waits for a cancelled relay to record
	// its truncated turn.
	DrainTimeout time.Duration
	// TeardownTimeout bounds environment teardown.
	TeardownTimeout time.Duration
	// Tools are offered to the generator on every turn.
	Tools []generator.Tool
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		ContextWindow:   10,
		RelayTimeout:    10 * time.Minute,
		DrainTimeout:    5 * time.Second,
		TeardownTimeout: 30 * time.Second,
		Tools:           []generator.Tool{generator.ComputerTool()},
	}
}

// Deps are the orchestrator's collaborators. Tracker is optional.
type Deps struct {
	Store       Store
	Provisioner provisioner.Provisioner
	Generator   generator.Generator
	Connections Connections
	Tracker     *idle.Tracker
	Logger      *slog.Logger
}

// liveSession is the in-memory state of a non-terminal session owned by this
// process.
type liveSession struct {
	id        string
	createdAt time.Time

	mu       sync.Mutex
	state    State
	handle   string
	endpoint provisioner.Endpoint
	updated  time.Time
	relay    *relayRun
	// ctx is cancelled when the session starts ending.
	ctx    context.Context
	cancel context.CancelFunc
	// ended is closed once teardown has finished.
	ended chan struct{}

	// emitMu is held around every check-then-broadcast. End takes it after
	// cancelling ctx, so nothing is emitted once End has moved past it.
	emitMu     sync.Mutex
	emitClosed bool
}

type relayRun struct {
	done chan struct{}
}

func (ls *liveSession) snapshotLocked() Session {
	return Session{
		ID:                ls.id,
		State:             ls.state,
		EnvironmentHandle: ls.handle,
		Endpoint:          ls.endpoint,
		CreatedAt:         ls.createdAt,
		UpdatedAt:         ls.updated,
	}
}

func (ls *liveSession) snapshot() Session {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.snapshotLocked()
}

// Orchestrator owns session state transitions and the relay loop.
type Orchestrator struct {
	cfg     Config
	store   Store
	prov    provisioner.Provisioner
	gen     generator.Generator
	conns   Connections
	tracker *idle.Tracker
	logger  *slog.Logger

	mu      sync.Mutex
	live    map[string]*liveSession
	handles map[string]string // environment handle -> owning session ID

	relays sync.WaitGroup
}

// New creates an orchestrator. Zero-valued Config fields take defaults.
func New(cfg Config, deps Deps) *Orchestrator {
	def := DefaultConfig()
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = def.ContextWindow
	}
	if cfg.RelayTimeout <= 0 {
		cfg.RelayTimeout = def.RelayTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = def.TeardownTimeout
	}
	if cfg.Tools == nil {
		cfg.Tools = def.Tools
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:     cfg,
		store:   deps.Store,
		prov:    deps.Provisioner,
		gen:     deps.Generator,
		conns:   deps.Connections,
		tracker: deps.Tracker,
		logger:  logger,
		live:    make(map[string]*liveSession),
		handles: make(map[string]string),
	}
}

func (o *Orchestrator) lookup(id string) *liveSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.live[id]
}

func (o *Orchestrator) forget(ls *liveSession) {
	o.mu.Lock()
	if o.live[ls.id] == ls {
		delete(o.live, ls.id)
	}
	if ls.handle != "" && o.handles[ls.handle] == ls.id {
		delete(o.handles, ls.handle)
	}
	o.mu.Unlock()
	if o.tracker != nil {
		o.tracker.Forget(ls.id)
	}
}

func (o *Orchestrator) touch(id string) {
	if o.tracker != nil {
		o.tracker.RecordActivity(id)
	}
}

// storeCtx detaches persistence from caller cancellation so state changes
// are recorded even when the caller has gone away.
func storeCtx(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// Create provisions a new session. On provisioner failure the session is
// recorded as failed and a ProvisionError is returned.
func (o *Orchestrator) Create(ctx context.Context) (Session, error) {
	now := time.Now().UTC()
	ls := &liveSession{
		id:        uuid.NewString(),
		createdAt: now,
		state:     StateProvisioning,
		updated:   now,
		ended:     make(chan struct{}),
	}
	log := o.logger.With("sessionID", ls.id)

	if err := o.store.InsertSession(storeCtx(ctx), persistence.SessionRecord{
		ID:        ls.id,
		Status:    string(StateProvisioning),
		CreatedAt: now,
	}); err != nil {
		return Session{}, errs.Wrap(errs.Internal, err, "record session")
	}

	o.mu.Lock()
	o.live[ls.id] = ls
	o.mu.Unlock()

	log.Info("Provisioning session environment")
	env, err := o.prov.Create(ctx)
	if err != nil {
		if !errs.Is(err, errs.ProvisionError) {
			err = errs.Wrap(errs.ProvisionError, err, "")
		}
		return o.fail(ctx, ls, err)
	}

	o.mu.Lock()
	if owner, taken := o.handles[env.Handle]; taken && owner != ls.id {
		o.mu.Unlock()
		// The environment belongs to another session; leave it alone.
		return o.fail(ctx, ls, errs.New(errs.ProvisionError, "environment %s already belongs to session %s", env.Handle, owner))
	}
	o.handles[env.Handle] = ls.id
	o.mu.Unlock()

	err = o.store.SetEnvironment(storeCtx(ctx), ls.id, persistence.Environment{
		Handle:    env.Handle,
		VNCHost:   env.Endpoint.Host,
		VNCPort:   env.Endpoint.VNCPort,
		NoVNCPort: env.Endpoint.NoVNCPort,
	}, string(StateActive))
	if err != nil {
		o.mu.Lock()
		delete(o.handles, env.Handle)
		o.mu.Unlock()
		if errors.Is(err, persistence.ErrHandleInUse) {
			return o.fail(ctx, ls, errs.Wrap(errs.ProvisionError, err, env.Handle))
		}
		o.teardownEnvironment(ctx, env.Handle)
		return o.fail(ctx, ls, errs.Wrap(errs.Internal, err, "record environment"))
	}

	sctx, cancel := context.WithCancel(context.Background())
	ls.mu.Lock()
	ls.state = StateActive
	ls.handle = env.Handle
	ls.endpoint = env.Endpoint
	ls.updated = time.Now().UTC()
	ls.ctx, ls.cancel = sctx, cancel
	snap := ls.snapshotLocked()
	ls.mu.Unlock()

	o.touch(ls.id)
	log.Info("Session active", "handle", env.Handle, "vncPort", env.Endpoint.VNCPort)
	return snap, nil
}

// fail moves a provisioning session to failed and returns cause.
func (o *Orchestrator) fail(ctx context.Context, ls *liveSession, cause error) (Session, error) {
	msg := errs.MessageOf(cause)
	if err := o.store.UpdateSessionStatus(storeCtx(ctx), ls.id, string(StateFailed), msg, true); err != nil {
		o.logger.Error("Failed to record session failure", "sessionID", ls.id, "error", err)
	}

	now := time.Now().UTC()
	ls.mu.Lock()
	ls.state = StateFailed
	ls.updated = now
	snap := ls.snapshotLocked()
	ls.mu.Unlock()
	snap.Error = msg
	snap.EndedAt = &now
	close(ls.ended)
	o.forget(ls)

	o.logger.Warn("Session failed", "sessionID", ls.id, "error", cause)
	return snap, cause
}

// Get returns the current view of a session.
func (o *Orchestrator) Get(ctx context.Context, id string) (Session, error) {
	if ls := o.lookup(id); ls != nil {
		return ls.snapshot(), nil
	}
	rec, err := o.store.GetSession(ctx, id)
	if err != nil {
		return Session{}, errs.Wrap(errs.Internal, err, "load session")
	}
	if rec == nil {
		return Session{}, errs.New(errs.NotFound, "session %s not found", id)
	}
	return fromRecord(*rec), nil
}

// List returns every known session, newest first.
func (o *Orchestrator) List(ctx context.Context) ([]Session, error) {
	recs, err := o.store.ListSessions(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "list sessions")
	}
	out := make([]Session, 0, len(recs))
	for _, rec := range recs {
		s := fromRecord(rec)
		if ls := o.lookup(rec.ID); ls != nil {
			live := ls.snapshot()
			s.State = live.State
			s.UpdatedAt = live.UpdatedAt
		}
		out = append(out, s)
	}
	return out, nil
}

// LiveCount returns the number of non-terminal sessions held in memory.
func (o *Orchestrator) LiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.live)
}

// End tears a session down. Ending a terminated or failed session succeeds
// without doing anything; concurrent calls wait for the first to finish.
func (o *Orchestrator) End(ctx context.Context, id string) (Session, error) {
	ls := o.lookup(id)
	if ls == nil {
		return o.endStored(ctx, id)
	}

	ls.mu.Lock()
	switch ls.state {
	case StateProvisioning:
		ls.mu.Unlock()
		return Session{}, errs.New(errs.InvalidState, "session %s is still provisioning", id)
	case StateEnding, StateTerminated, StateFailed:
		ended := ls.ended
		ls.mu.Unlock()
		select {
		case <-ended:
		case <-ctx.Done():
			return Session{}, errs.Wrap(errs.Internal, ctx.Err(), "waiting for session to end")
		}
		return o.Get(ctx, id)
	}
	ls.state = StateEnding
	ls.updated = time.Now().UTC()
	relay := ls.relay
	ls.mu.Unlock()

	return o.teardown(ctx, ls, relay), nil
}

func (o *Orchestrator) teardown(ctx context.Context, ls *liveSession, relay *relayRun) Session {
	log := o.logger.With("sessionID", ls.id)
	bg := storeCtx(ctx)

	if err := o.store.UpdateSessionStatus(bg, ls.id, string(StateEnding), "", false); err != nil {
		log.Warn("Failed to record ending state", "error", err)
	}

	ls.cancel()
	if relay != nil {
		timer := time.NewTimer(o.cfg.DrainTimeout)
		select {
		case <-relay.done:
		case <-timer.C:
			log.Warn("Relay did not finish before teardown", "timeout", o.cfg.DrainTimeout)
		}
		timer.Stop()
	}

	ls.emitMu.Lock()
	ls.emitClosed = true
	ls.emitMu.Unlock()

	o.teardownEnvironment(bg, ls.handle)
	o.conns.DetachAll(ls.id, "session ended")

	if err := o.store.UpdateSessionStatus(bg, ls.id, string(StateTerminated), "", true); err != nil {
		log.Error("Failed to record terminated state", "error", err)
	}

	now := time.Now().UTC()
	ls.mu.Lock()
	ls.state = StateTerminated
	ls.updated = now
	snap := ls.snapshotLocked()
	ls.mu.Unlock()
	snap.EndedAt = &now

	close(ls.ended)
	o.forget(ls)
	log.Info("Session terminated")
	return snap
}

// teardownEnvironment stops an environment. Failures are logged by the
// provisioner and never surfaced.
func (o *Orchestrator) teardownEnvironment(ctx context.Context, handle string) {
	if handle == "" {
		return
	}
	tctx, cancel := context.WithTimeout(ctx, o.cfg.TeardownTimeout)
	defer cancel()
	o.prov.Stop(tctx, handle)
}

// endStored handles End for a session this process does not hold in memory.
func (o *Orchestrator) endStored(ctx context.Context, id string) (Session, error) {
	rec, err := o.store.GetSession(ctx, id)
	if err != nil {
		return Session{}, errs.Wrap(errs.Internal, err, "load session")
	}
	if rec == nil {
		return Session{}, errs.New(errs.NotFound, "session %s not found", id)
	}
	s := fromRecord(*rec)
	if s.State.Terminal() {
		return s, nil
	}

	// Left behind by an earlier process.
	o.teardownEnvironment(storeCtx(ctx), rec.EnvironmentHandle)
	if err := o.store.UpdateSessionStatus(storeCtx(ctx), id, string(StateTerminated), "", true); err != nil {
		return Session{}, errs.Wrap(errs.Internal, err, "record terminated state")
	}
	return o.Get(ctx, id)
}

// Reconcile ends every non-terminal session recorded by an earlier process.
// Sessions interrupted while provisioning are marked failed.
func (o *Orchestrator) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	recs, err := o.store.ListSessions(ctx,
		string(StateProvisioning), string(StateActive), string(StateEnding))
	if err != nil {
		return res, errs.Wrap(errs.Internal, err, "list live sessions")
	}

	for _, rec := range recs {
		if o.lookup(rec.ID) != nil {
			continue
		}
		o.teardownEnvironment(ctx, rec.EnvironmentHandle)

		status, errText := StateTerminated, ""
		if State(rec.Status) == StateProvisioning {
			status, errText = StateFailed, "interrupted while provisioning"
		}
		if err := o.store.UpdateSessionStatus(ctx, rec.ID, string(status), errText, true); err != nil {
			return res, errs.Wrap(errs.Internal, err, fmt.Sprintf("reconcile session %s", rec.ID))
		}
		if status == StateFailed {
			res.Failed++
		} else {
			res.Terminated++
		}
		o.logger.Info("Reconciled orphaned session", "sessionID", rec.ID, "previousStatus", rec.Status, "status", status)
	}
	return res, nil
}

// History returns the session transcript in order.
func (o *Orchestrator) History(ctx context.Context, id string) ([]persistence.Message, error) {
	if o.lookup(id) == nil {
		rec, err := o.store.GetSession(ctx, id)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, err, "load session")
		}
		if rec == nil {
			return nil, errs.New(errs.NotFound, "session %s not found", id)
		}
	}
	msgs, err := o.store.ListMessages(ctx, id)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "load history")
	}
	return msgs, nil
}

// requireLive returns the in-memory session or an error naming why there is
// none (unknown, or in a state that has no live counterpart).
func (o *Orchestrator) requireLive(ctx context.Context, id string) (*liveSession, error) {
	if ls := o.lookup(id); ls != nil {
		return ls, nil
	}
	s, err := o.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, errs.New(errs.InvalidState, "session %s is %s", id, s.State)
}

// Attach registers a client connection with an active session.
func (o *Orchestrator) Attach(ctx context.Context, id string, conn registry.Connection) error {
	ls, err := o.requireLive(ctx, id)
	if err != nil {
		return err
	}

	if err := ls.requireActive(); err != nil {
		return err
	}
	// The registry call can wait behind a broadcast, so ls.mu is not held
	// across it. Teardown sets StateEnding before DetachAll; if that happened
	// meanwhile the attach is undone here.
	if err := o.conns.Attach(id, conn); err != nil {
		return err
	}
	if err := ls.requireActive(); err != nil {
		o.conns.Detach(id, conn)
		return err
	}
	o.touch(id)
	return nil
}

func (ls *liveSession) requireActive() error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.state != StateActive {
		return errs.New(errs.InvalidState, "session %s is %s", ls.id, ls.state)
	}
	return nil
}

// Detach removes a client connection from a session.
func (o *Orchestrator) Detach(id string, conn registry.Connection) {
	if o.conns.Detach(id, conn) {
		if o.lookup(id) != nil {
			o.touch(id)
		}
	}
}

// Quiescent reports whether a live session has no connections and no relay.
func (o *Orchestrator) Quiescent(id string) bool {
	ls := o.lookup(id)
	if ls == nil {
		return false
	}
	ls.mu.Lock()
	busy := ls.relay != nil || ls.state != StateActive
	ls.mu.Unlock()
	return !busy && o.conns.Count(id) == 0
}

// EndIdle ends a session on behalf of the idle reaper.
func (o *Orchestrator) EndIdle(ctx context.Context, id string) error {
	_, err := o.End(ctx, id)
	return err
}

// Shutdown ends every active session and waits for relays to finish.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	ids := make([]string, 0, len(o.live))
	for id := range o.live {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	sort.Strings(ids)

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.End(ctx, id); err != nil && !errs.Is(err, errs.InvalidState) {
				o.logger.Warn("Failed to end session during shutdown", "sessionID", id, "error", err)
			}
		}()
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		o.relays.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.logger.Warn("Shutdown timed out waiting for relays")
	}
}
