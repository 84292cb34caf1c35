package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/workspace/session-broker/internal/errs"
	"github.com/workspace/session-broker/internal/generator"
	"github.com/workspace/session-broker/internal/idle"
	"github.com/workspace/session-broker/internal/persistence"
	"github.com/workspace/session-broker/internal/provisioner"
	"github.com/workspace/session-broker/internal/registry"
)

// --- fakes ---

type fakeProvisioner struct {
	mu      sync.Mutex
	created int
	stopped []string
	err     error
	handle  string        // fixed handle; generated when empty
	gate    chan struct{} // Create blocks until closed when non-nil
}

func (p *fakeProvisioner) Create(ctx context.Context) (provisioner.Environment, error) {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return provisioner.Environment{}, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return provisioner.Environment{}, p.err
	}
	p.created++
	handle := p.handle
	if handle == "" {
		handle = fmt.Sprintf("env-%d", p.created)
	}
	return provisioner.Environment{
		Handle:   handle,
		Endpoint: provisioner.Endpoint{Host: "localhost", VNCPort: 5900 + p.created, NoVNCPort: 6900 + p.created},
	}, nil
}

func (p *fakeProvisioner) Stop(_ context.Context, handle string) {
	p.mu.Lock()
	p.stopped = append(p.stopped, handle)
	p.mu.Unlock()
}

func (p *fakeProvisioner) Status(context.Context, string) provisioner.Status {
	return provisioner.StatusRunning
}

func (p *fakeProvisioner) stops() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.stopped...)
}

// scriptStream yields frags, then err (or EOF). With block set it waits for
// cancellation after the fragments. With endless set it keeps producing.
// With step set, every fragment after the first waits for a receive on it.
type scriptStream struct {
	ctx     context.Context
	frags   []string
	err     error
	block   bool
	endless bool
	delay   time.Duration
	step    chan struct{}
	i       int
	closed  atomic.Bool
}

func (s *scriptStream) Recv() (string, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		}
	}
	if s.endless {
		if err := s.ctx.Err(); err != nil {
			return "", err
		}
		s.i++
		return fmt.Sprintf("f%d ", s.i), nil
	}
	if s.i < len(s.frags) {
		if s.step != nil && s.i > 0 {
			select {
			case <-s.step:
			case <-s.ctx.Done():
				return "", s.ctx.Err()
			}
		}
		f := s.frags[s.i]
		s.i++
		return f, nil
	}
	if s.block {
		<-s.ctx.Done()
		return "", s.ctx.Err()
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *scriptStream) Close() error {
	s.closed.Store(true)
	return nil
}

type scriptGenerator struct {
	mu       sync.Mutex
	requests []generator.Request
	openErr  error
	next     func(ctx context.Context) *scriptStream
	started  chan struct{} // receives once per Open when non-nil
}

func (g *scriptGenerator) Open(ctx context.Context, req generator.Request) (generator.Stream, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()
	if g.started != nil {
		g.started <- struct{}{}
	}
	if g.openErr != nil {
		return nil, g.openErr
	}
	s := g.next(ctx)
	s.ctx = ctx
	return s, nil
}

func (g *scriptGenerator) lastRequest() generator.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[len(g.requests)-1]
}

func fragments(frags ...string) func(context.Context) *scriptStream {
	return func(context.Context) *scriptStream { return &scriptStream{frags: frags} }
}

type recordingConn struct {
	id    string
	block chan struct{} // Send blocks until closed or ctx done when non-nil

	mu     sync.Mutex
	events []Event
	closed bool
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Send(ctx context.Context, payload []byte) error {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return nil
}

func (c *recordingConn) Close(string) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *recordingConn) received() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *recordingConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// --- harness ---

type harness struct {
	orch  *Orchestrator
	store *persistence.Store
	prov  *fakeProvisioner
	gen   *scriptGenerator
	reg   *registry.Registry
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "broker.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := &harness{
		store: store,
		prov:  &fakeProvisioner{},
		gen:   &scriptGenerator{next: fragments("Hello", ", ", "world")},
		reg:   registry.New(registry.Config{SendTimeout: 200 * time.Millisecond}),
	}
	h.orch = New(cfg, Deps{
		Store:       store,
		Provisioner: h.prov,
		Generator:   h.gen,
		Connections: h.reg,
		Tracker:     idle.NewTracker(time.Hour),
	})
	return h
}

func (h *harness) create(t *testing.T) Session {
	t.Helper()
	s, err := h.orch.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return s
}

func (h *harness) attach(t *testing.T, sessionID, connID string) *recordingConn {
	t.Helper()
	c := &recordingConn{id: connID}
	if err := h.orch.Attach(context.Background(), sessionID, c); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return c
}

func contents(events []Event, typ string) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == typ {
			b.WriteString(ev.Content)
		}
	}
	return b.String()
}

// --- lifecycle ---

func TestCreateActivatesAndPersists(t *testing.T) {
	h := newHarness(t, Config{})
	s := h.create(t)

	if s.State != StateActive {
		t.Fatalf("state = %s, want active", s.State)
	}
	if s.EnvironmentHandle == "" || s.Endpoint.VNCPort == 0 {
		t.Fatalf("environment not recorded: %+v", s)
	}

	rec, err := h.store.GetSession(context.Background(), s.ID)
	if err != nil || rec == nil {
		t.Fatalf("GetSession: %v %v", rec, err)
	}
	if rec.Status != string(StateActive) || rec.EnvironmentHandle != s.EnvironmentHandle {
		t.Fatalf("stored record = %+v", rec)
	}

	got, err := h.orch.Get(context.Background(), s.ID)
	if err != nil || got.State != StateActive {
		t.Fatalf("Get = %+v, %v", got, err)
	}
}

func TestCreateProvisionFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.prov.err = errors.New("image pull failed")

	s, err := h.orch.Create(context.Background())
	if !errs.Is(err, errs.ProvisionError) {
		t.Fatalf("expected ProvisionError, got %v", err)
	}
	if s.State != StateFailed || s.ID == "" {
		t.Fatalf("session = %+v", s)
	}

	rec, _ := h.store.GetSession(context.Background(), s.ID)
	if rec == nil || rec.Status != string(StateFailed) || !strings.Contains(rec.Error, "image pull failed") {
		t.Fatalf("failed session not persisted: %+v", rec)
	}
	if h.orch.LiveCount() != 0 {
		t.Fatal("failed session should not stay live")
	}

	// End on failed is a no-op.
	if got, err := h.orch.End(context.Background(), s.ID); err != nil || got.State != StateFailed {
		t.Fatalf("End(failed) = %+v, %v", got, err)
	}
}

func TestCreateRejectsHandleOwnedByLiveSession(t *testing.T) {
	h := newHarness(t, Config{})
	h.prov.handle = "shared-env"

	first := h.create(t)
	second, err := h.orch.Create(context.Background())
	if !errs.Is(err, errs.ProvisionError) {
		t.Fatalf("expected ProvisionError, got %v", err)
	}
	if second.State != StateFailed {
		t.Fatalf("second session state = %s", second.State)
	}
	if len(h.prov.stops()) != 0 {
		t.Fatal("the shared environment must not be torn down")
	}
	if got, _ := h.orch.Get(context.Background(), first.ID); got.State != StateActive {
		t.Fatalf("first session disturbed: %s", got.State)
	}
}

func TestGetUnknownSession(t *testing.T) {
	h := newHarness(t, Config{})
	if _, err := h.orch.Get(context.Background(), "missing"); !errs.Is(err, errs.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if _, err := h.orch.End(context.Background(), "missing"); !errs.Is(err, errs.NotFound) {
		t.Fatalf("End: expected NotFound, got %v", err)
	}
	if _, err := h.orch.History(context.Background(), "missing"); !errs.Is(err, errs.NotFound) {
		t.Fatalf("History: expected NotFound, got %v", err)
	}
}

func TestEndIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	s := h.create(t)
	c := h.attach(t, s.ID, "c1")

	got, err := h.orch.End(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if got.State != StateTerminated || got.EndedAt == nil {
		t.Fatalf("End = %+v", got)
	}
	if !c.isClosed() || h.reg.Count(s.ID) != 0 {
		t.Fatal("connections should be closed and detached")
	}

	again, err := h.orch.End(context.Background(), s.ID)
	if err != nil || again.State != StateTerminated {
		t.Fatalf("second End = %+v, %v", again, err)
	}
	if stops := h.prov.stops(); len(stops) != 1 || stops[0] != s.EnvironmentHandle {
		t.Fatalf("provisioner stops = %v, want exactly one", stops)
	}

	rec, _ := h.store.GetSession(context.Background(), s.ID)
	if rec.Status != string(StateTerminated) || rec.EndedAt == nil {
		t.Fatalf("stored record = %+v", rec)
	}
}

func TestConcurrentEndTearsDownOnce(t *testing.T) {
	h := newHarness(t, Config{})
	s := h.create(t)

	var wg sync.WaitGroup
	results := make([]Session, 8)
	errsOut := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errsOut[i] = h.orch.End(context.Background(), s.ID)
		}(i)
	}
	wg.Wait()

	for i := range results {
		if errsOut[i] != nil || results[i].State != StateTerminated {
			t.Errorf("End[%d] = %s, %v", i, results[i].State, errsOut[i])
		}
	}
	if stops := h.prov.stops(); len(stops) != 1 {
		t.Fatalf("provisioner stops = %v, want exactly one", stops)
	}
}

func TestEndWhileProvisioningIsInvalid(t *testing.T) {
	h := newHarness(t, Config{})
	h.prov.gate = make(chan struct{})

	created := make(chan Session, 1)
	go func() {
		s, _ := h.orch.Create(context.Background())
		created <- s
	}()

	var id string
	deadline := time.Now().Add(2 * time.Second)
	for id == "" && time.Now().Before(deadline) {
		h.orch.mu.Lock()
		for k := range h.orch.live {
			id = k
		}
		h.orch.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	if id == "" {
		t.Fatal("session never appeared")
	}

	if got, _ := h.orch.Get(context.Background(), id); got.State != StateProvisioning {
		t.Fatalf("state = %s, want provisioning", got.State)
	}
	if _, err := h.orch.End(context.Background(), id); !errs.Is(err, errs.InvalidState) {
		t.Fatalf("expected InvalidState, got %v", err)
	}
	if _, err := h.orch.Relay(context.Background(), id, "hi"); !errs.Is(err, errs.InvalidState) {
		t.Fatalf("Relay while provisioning: expected InvalidState, got %v", err)
	}

	close(h.prov.gate)
	if s := <-created; s.State != StateActive {
		t.Fatalf("state after provisioning = %s", s.State)
	}
}

// --- relay ---

func TestRelayStreamsToAllConnectionsAndRecordsTurn(t *testing.T) {
	h := newHarness(t, Config{})
	s := h.create(t)
	a := h.attach(t, s.ID, "a")
	b := h.attach(t, s.ID, "b")

	res, err := h.orch.Relay(context.Background(), s.ID, "open the browser")
	if err != nil {
		t.Fatalf("Relay: %v", err)
	}
	if res.Err != nil || res.Truncated || res.Fragments != 3 {
		t.Fatalf("result = %+v", res)
	}

	for _, c := range []*recordingConn{a, b} {
		events := c.received()
		if len(events) != 4 {
			t.Fatalf("conn %s got %d events, want 4", c.id, len(events))
		}
		for i, ev := range events {
			if ev.Seq != i {
				t.Errorf("conn %s event %d has seq %d", c.id, i, ev.Seq)
			}
			if ev.Timestamp == "" {
				t.Errorf("conn %s event %d missing timestamp", c.id, i)
			}
		}
		if got := contents(events, EventAgentResponse); got != "Hello, world" {
			t.Errorf("conn %s content = %q", c.id, got)
		}
		last := events[len(events)-1]
		if last.Type != EventTurnComplete || last.MessageID != res.AssistantMessage.ID {
			t.Errorf("conn %s last event = %+v", c.id, last)
		}
	}

	history, err := h.orch.History(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Role != persistence.RoleUser || history[0].Content != "open the browser" {
		t.Fatalf("history[0] = %+v", history[0])
	}
	if history[1].Role != persistence.RoleAssistant || history[1].Content != "Hello, world" {
		t.Fatalf("history[1] = %+v", history[1])
	}

	req := h.gen.lastRequest()
	if req.EnvironmentHandle != s.EnvironmentHandle || len(req.Tools) != 1 || req.Tools[0].Name != "computer" {
		t.Fatalf("generator request = %+v", req)
	}
}

func TestRelayWithoutConnectionsStillRecords(t *testing.T) {
	h := newHarness(t, Config{})
	s := h.create(t)
	if _, err := h.orch.Relay(context.Background(), s.ID, "hi"); err != nil {
		t.Fatalf("Relay: %v", err)
	}
	history, _ := h.orch.History(context.Background(), s.ID)
	if len(history) != 2 || history[1].Content != "Hello, world" {
		t.Fatalf("history = %+v", history)
	}
}

func TestRelayContextWindow(t *testing.T) {
	h := newHarness(t, Config{ContextWindow: 4})
	s := h.create(t)

	for i := 0; i < 3; i++ {
		if _, err := h.orch.Relay(context.Background(), s.ID, fmt.Sprintf("q%d", i)); err != nil {
			t.Fatalf("Relay %d: %v", i, err)
		}
	}

	req := h.gen.lastRequest()
	if len(req.Messages) != 4 {
		t.Fatalf("context has %d messages, want 4", len(req.Messages))
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" || last.Content != "q2" {
		t.Fatalf("context must end with the current user message, got %+v", last)
	}
	for _, m := range req.Messages[:3] {
		if m.Content == "q2" {
			t.Fatal("current user message duplicated in context")
		}
	}
	if req.Messages[0].Content != "Hello, world" || req.Messages[1].Content != "q1" {
		t.Fatalf("unexpected window: %+v", req.Messages)
	}
}

func TestRelayBusy(t *testing.T) {
	h := newHarness(t, Config{})
	s := h.create(t)
	c := h.attach(t, s.ID, "c")

	release := make(chan struct{})
	h.gen.started = make(chan struct{}, 2)
	h.gen.next = func(context.Context) *scriptStream {
		<-release
		return &scriptStream{frags: []string{"first answer"}}
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Relay(context.Background(), s.ID, "first")
		done <- err
	}()
	<-h.gen.started

	if _, err := h.orch.Relay(context.Background(), s.ID, "second"); !errs.Is(err, errs.Busy) {
		t.Fatalf("expected Busy, got %v", err)
	}
	if h.orch.Quiescent(s.ID) {
		t.Fatal("session with a running relay is not quiescent")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first relay: %v", err)
	}
	if got := contents(c.received(), EventAgentResponse); got != "first answer" {
		t.Fatalf("first relay output disturbed: %q", got)
	}

	history, _ := h.orch.History(context.Background(), s.ID)
	for _, m := range history {
		if m.Content == "second" {
			t.Fatal("rejected message must not be recorded")
		}
	}

	// The slot is free again.
	h.gen.started = nil
	h.gen.next = fragments("ok")
	if _, err := h.orch.Relay(context.Background(), s.ID, "third"); err != nil {
		t.Fatalf("relay after busy: %v", err)
	}
}

func TestRelayValidation(t *testing.T) {
	h := newHarness(t, Config{})
	s := h.create(t)

	if _, err := h.orch.Relay(context.Background(), s.ID, "   "); !errs.Is(err, errs.InvalidState) {
		t.Fatalf("empty message: expected InvalidState, got %v", err)
	}
	if _, err := h.orch.Relay(context.Background(), "missing", "hi"); !errs.Is(err, errs.NotFound) {
		t.Fatalf("unknown session: expected NotFound, got %v", err)
	}

	h.orch.End(context.Background(), s.ID)
	if _, err := h.orch.Relay(context.Background(), s.ID, "hi"); !errs.Is(err, errs.InvalidState) {
		t.Fatalf("terminated session: expected InvalidState, got %v", err)
	}
	if err := h.orch.Attach(context.Background(), s.ID, &recordingConn{id: "late"}); !errs.Is(err, errs.InvalidState) {
		t.Fatalf("attach to terminated session: expected InvalidState, got %v", err)
	}
}

func TestRelayGeneratorFailureMidStream(t *testing.T) {
	h := newHarness(t, Config{})
	s := h.create(t)
	c := h.attach(t, s.ID, "c")

	h.gen.next = func(context.Context) *scriptStream {
		return &scriptStream{frags: []string{"partial "}, err: errors.New("upstream overloaded")}
	}
	res, err := h.orch.Relay(context.Background(), s.ID, "do something")
	if err != nil {
		t.Fatalf("Relay returned error for a generator failure: %v", err)
	}
	if !errs.Is(res.Err, errs.GeneratorError) {
		t.Fatalf("res.Err = %v, want GeneratorError", res.Err)
	}

	events := c.received()
	var errEvents []Event
	for _, ev := range events {
		if ev.Type == EventAgentError {
			errEvents = append(errEvents, ev)
		}
	}
	if len(errEvents) != 1 || !strings.HasPrefix(errEvents[0].Content, "Error processing message: ") {
		t.Fatalf("error events = %+v", errEvents)
	}
	if events[len(events)-1].Type != EventTurnComplete {
		t.Fatal("a failed turn still completes")
	}

	history, _ := h.orch.History(context.Background(), s.ID)
	last := history[len(history)-1]
	if last.Role != persistence.RoleAssistant || !strings.HasPrefix(last.Content, "partial ") ||
		!strings.Contains(last.Content, "upstream overloaded") {
		t.Fatalf("assistant turn = %+v", last)
	}
	if last.Metadata["error"] == nil {
		t.Fatalf("error metadata missing: %v", last.Metadata)
	}

	if got, _ := h.orch.Get(context.Background(), s.ID); got.State != StateActive {
		t.Fatalf("session should stay active, got %s", got.State)
	}

	h.gen.next = fragments("recovered")
	res, err = h.orch.Relay(context.Background(), s.ID, "again")
	if err != nil || res.Err != nil {
		t.Fatalf("relay after failure: %+v, %v", res, err)
	}
}

func TestRelayGeneratorFailureAtOpen(t *testing.T) {
	h := newHarness(t, Config{})
	s := h.create(t)
	c := h.attach(t, s.ID, "c")
	h.gen.openErr = errs.New(errs.GeneratorError, "invalid api key")

	res, err := h.orch.Relay(context.Background(), s.ID, "hi")
	if err != nil || res.Err == nil {
		t.Fatalf("Relay = %+v, %v", res, err)
	}
	events := c.received()
	if len(events) != 2 || events[0].Type != EventAgentError || events[0].Seq != 0 || events[1].Seq != 1 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Content != "Error processing message: invalid api key" {
		t.Fatalf("error content = %q", events[0].Content)
	}
}

func TestRelayTimeout(t *testing.T) {
	h := newHarness(t, Config{RelayTimeout: 50 * time.Millisecond})
	s := h.create(t)
	h.gen.next = func(context.Context) *scriptStream {
		return &scriptStream{frags: []string{"thinking"}, block: true}
	}

	res, err := h.orch.Relay(context.Background(), s.ID, "hi")
	if err != nil {
		t.Fatalf("Relay: %v", err)
	}
	if res.Truncated || !errs.Is(res.Err, errs.GeneratorError) {
		t.Fatalf("result = %+v", res)
	}
	if got, _ := h.orch.Get(context.Background(), s.ID); got.State != StateActive {
		t.Fatalf("timeout must not end the session, state = %s", got.State)
	}
}

func TestEndDuringRelayTruncates(t *testing.T) {
	h := newHarness(t, Config{})
	s := h.create(t)
	c := h.attach(t, s.ID, "c")

	h.gen.started = make(chan struct{}, 1)
	var stream *scriptStream
	h.gen.next = func(context.Context) *scriptStream {
		stream = &scriptStream{endless: true, delay: 2 * time.Millisecond}
		return stream
	}

	type relayOut struct {
		res RelayResult
		err error
	}
	done := make(chan relayOut, 1)
	go func() {
		res, err := h.orch.Relay(context.Background(), s.ID, "keep talking")
		done <- relayOut{res, err}
	}()
	<-h.gen.started

	// Let some fragments flow.
	deadline := time.Now().Add(2 * time.Second)
	for len(c.received()) < 5 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if _, err := h.orch.End(context.Background(), s.ID); err != nil {
		t.Fatalf("End: %v", err)
	}
	atEnd := c.received()
	time.Sleep(30 * time.Millisecond)
	if after := c.received(); len(after) != len(atEnd) {
		t.Fatalf("%d events emitted after End returned", len(after)-len(atEnd))
	}
	for _, ev := range atEnd {
		if ev.Type != EventAgentResponse {
			t.Fatalf("unexpected %s event for a truncated turn", ev.Type)
		}
	}

	out := <-done
	if out.err != nil || !out.res.Truncated {
		t.Fatalf("relay = %+v, %v", out.res, out.err)
	}
	if !stream.closed.Load() {
		t.Fatal("generator stream should be closed")
	}

	history, _ := h.orch.History(context.Background(), s.ID)
	last := history[len(history)-1]
	if last.Role != persistence.RoleAssistant || last.Metadata["truncated"] != true {
		t.Fatalf("truncated turn = %+v", last)
	}
	if last.Content != contents(atEnd, EventAgentResponse) {
		t.Fatalf("persisted %q, clients saw %q", last.Content, contents(atEnd, EventAgentResponse))
	}
}

func TestSlowConnectionDoesNotStallOthers(t *testing.T) {
	h := newHarness(t, Config{})
	s := h.create(t)
	fast := h.attach(t, s.ID, "fast")
	slow := &recordingConn{id: "slow", block: make(chan struct{})}
	if err := h.orch.Attach(context.Background(), s.ID, slow); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer close(slow.block)

	start := time.Now()
	if _, err := h.orch.Relay(context.Background(), s.ID, "hi"); err != nil {
		t.Fatalf("Relay: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("relay took %v behind a stalled connection", elapsed)
	}
	if got := contents(fast.received(), EventAgentResponse); got != "Hello, world" {
		t.Fatalf("fast connection got %q", got)
	}
	if !slow.isClosed() || h.reg.Count(s.ID) != 1 {
		t.Fatal("stalled connection should be dropped")
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	h := newHarness(t, Config{})
	s1 := h.create(t)
	s2 := h.create(t)
	c1 := h.attach(t, s1.ID, "c1")
	c2 := h.attach(t, s2.ID, "c2")

	if _, err := h.orch.Relay(context.Background(), s1.ID, "only s1"); err != nil {
		t.Fatalf("Relay: %v", err)
	}
	if len(c2.received()) != 0 {
		t.Fatal("events leaked across sessions")
	}
	if len(c1.received()) == 0 {
		t.Fatal("s1 connection received nothing")
	}
	h2, _ := h.orch.History(context.Background(), s2.ID)
	if len(h2) != 0 {
		t.Fatalf("s2 history = %+v", h2)
	}
}

// --- reconcile / idle ---

func TestReconcileOrphans(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	h.store.InsertSession(ctx, persistence.SessionRecord{ID: "orphan-active", Status: "provisioning"})
	h.store.SetEnvironment(ctx, "orphan-active", persistence.Environment{Handle: "old-env"}, "active")
	h.store.InsertSession(ctx, persistence.SessionRecord{ID: "orphan-provisioning", Status: "provisioning"})
	h.store.InsertSession(ctx, persistence.SessionRecord{ID: "done", Status: "terminated"})

	live := h.create(t)

	res, err := h.orch.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Terminated != 1 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if stops := h.prov.stops(); len(stops) != 1 || stops[0] != "old-env" {
		t.Fatalf("stops = %v", stops)
	}

	for id, want := range map[string]State{
		"orphan-active":       StateTerminated,
		"orphan-provisioning": StateFailed,
		"done":                StateTerminated,
		live.ID:               StateActive,
	} {
		got, err := h.orch.Get(ctx, id)
		if err != nil || got.State != want {
			t.Errorf("%s: state = %s (%v), want %s", id, got.State, err, want)
		}
	}
}

func TestEndStoredOrphan(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.store.InsertSession(ctx, persistence.SessionRecord{ID: "orphan", Status: "provisioning"})
	h.store.SetEnvironment(ctx, "orphan", persistence.Environment{Handle: "stale"}, "active")

	got, err := h.orch.End(ctx, "orphan")
	if err != nil || got.State != StateTerminated {
		t.Fatalf("End = %+v, %v", got, err)
	}
	if stops := h.prov.stops(); len(stops) != 1 || stops[0] != "stale" {
		t.Fatalf("stops = %v", stops)
	}
}

func TestQuiescentAndEndIdle(t *testing.T) {
	h := newHarness(t, Config{})
	s := h.create(t)

	if !h.orch.Quiescent(s.ID) {
		t.Fatal("fresh session without connections should be quiescent")
	}
	c := h.attach(t, s.ID, "c")
	if h.orch.Quiescent(s.ID) {
		t.Fatal("session with a connection is not quiescent")
	}
	h.orch.Detach(s.ID, c)
	if !h.orch.Quiescent(s.ID) {
		t.Fatal("session should be quiescent after detach")
	}

	if err := h.orch.EndIdle(context.Background(), s.ID); err != nil {
		t.Fatalf("EndIdle: %v", err)
	}
	if h.orch.Quiescent(s.ID) {
		t.Fatal("ended session is not a reaping candidate")
	}
}

func TestListAndShutdown(t *testing.T) {
	h := newHarness(t, Config{})
	a := h.create(t)
	b := h.create(t)

	list, err := h.orch.List(context.Background())
	if err != nil || len(list) != 2 {
		t.Fatalf("List = %d, %v", len(list), err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.orch.Shutdown(ctx)

	for _, id := range []string{a.ID, b.ID} {
		got, _ := h.orch.Get(context.Background(), id)
		if got.State != StateTerminated {
			t.Errorf("%s state after shutdown = %s", id, got.State)
		}
	}
	if h.orch.LiveCount() != 0 {
		t.Fatalf("LiveCount = %d", h.orch.LiveCount())
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDetachMidStreamKeepsOthersDelivering(t *testing.T) {
	h := newHarness(t, Config{})
	s := h.create(t)
	a := h.attach(t, s.ID, "a")
	b := h.attach(t, s.ID, "b")
	c := h.attach(t, s.ID, "c")

	step := make(chan struct{})
	h.gen.next = func(context.Context) *scriptStream {
		return &scriptStream{frags: []string{"one ", "two ", "three"}, step: step}
	}

	type outcome struct {
		res RelayResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.orch.Relay(context.Background(), s.ID, "count")
		done <- outcome{res, err}
	}()

	for _, conn := range []*recordingConn{a, b, c} {
		waitUntil(t, "first fragment on "+conn.id, func() bool { return len(conn.received()) == 1 })
	}
	h.orch.Detach(s.ID, b)
	step <- struct{}{}
	step <- struct{}{}

	out := <-done
	if out.err != nil || out.res.Err != nil || out.res.Fragments != 3 {
		t.Fatalf("Relay = %+v, %v", out.res, out.err)
	}

	for _, conn := range []*recordingConn{a, c} {
		events := conn.received()
		if len(events) != 4 {
			t.Fatalf("conn %s got %d events, want 4", conn.id, len(events))
		}
		for i, ev := range events {
			if ev.Seq != i {
				t.Errorf("conn %s event %d has seq %d", conn.id, i, ev.Seq)
			}
		}
		if got := contents(events, EventAgentResponse); got != "one two three" {
			t.Errorf("conn %s content = %q", conn.id, got)
		}
		if events[3].Type != EventTurnComplete {
			t.Errorf("conn %s last event = %+v", conn.id, events[3])
		}
	}

	if got := b.received(); len(got) != 1 || got[0].Content != "one " {
		t.Fatalf("detached connection got %+v", got)
	}
	if b.isClosed() {
		t.Fatal("Detach must not close the connection")
	}
	if n := h.reg.Count(s.ID); n != 2 {
		t.Fatalf("Count = %d, want 2", n)
	}
}

// gatedConnections holds Attach until gate is closed, standing in for a
// registry whose session lock is held by a slow broadcast.
type gatedConnections struct {
	*registry.Registry
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedConnections) Attach(sessionID string, conn registry.Connection) error {
	g.entered <- struct{}{}
	<-g.gate
	return g.Registry.Attach(sessionID, conn)
}

func TestAttachWaitingOnRegistryDoesNotBlockSession(t *testing.T) {
	h := newHarness(t, Config{})
	s := h.create(t)
	gated := &gatedConnections{Registry: h.reg, entered: make(chan struct{}, 1), gate: make(chan struct{})}
	h.orch.conns = gated

	attached := make(chan error, 1)
	go func() {
		attached <- h.orch.Attach(context.Background(), s.ID, &recordingConn{id: "late"})
	}()
	<-gated.entered

	got := make(chan Session, 1)
	go func() {
		snap, _ := h.orch.Get(context.Background(), s.ID)
		got <- snap
	}()
	select {
	case snap := <-got:
		if snap.State != StateActive {
			t.Fatalf("state = %s", snap.State)
		}
	case <-time.After(time.Second):
		t.Fatal("Get blocked behind a pending attach")
	}
	if !h.orch.Quiescent(s.ID) {
		t.Fatal("session with no attached connections should be quiescent")
	}
	if _, err := h.orch.Relay(context.Background(), s.ID, "hi"); err != nil {
		t.Fatalf("Relay during pending attach: %v", err)
	}

	close(gated.gate)
	if err := <-attached; err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if n := h.reg.Count(s.ID); n != 1 {
		t.Fatalf("Count = %d, want 1", n)
	}
}

func TestAttachRacingEndIsUndone(t *testing.T) {
	h := newHarness(t, Config{})
	s := h.create(t)
	gated := &gatedConnections{Registry: h.reg, entered: make(chan struct{}, 1), gate: make(chan struct{})}
	h.orch.conns = gated

	conn := &recordingConn{id: "late"}
	attached := make(chan error, 1)
	go func() { attached <- h.orch.Attach(context.Background(), s.ID, conn) }()
	<-gated.entered

	ended, err := h.orch.End(context.Background(), s.ID)
	if err != nil || ended.State != StateTerminated {
		t.Fatalf("End = %+v, %v", ended, err)
	}

	close(gated.gate)
	if err := <-attached; !errs.Is(err, errs.InvalidState) {
		t.Fatalf("expected InvalidState, got %v", err)
	}
	if n := h.reg.Count(s.ID); n != 0 {
		t.Fatalf("Count = %d, want 0", n)
	}
	if n := h.reg.Total(); n != 0 {
		t.Fatalf("Total = %d, want 0", n)
	}
}
