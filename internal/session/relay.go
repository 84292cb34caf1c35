package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/workspace/session-broker/internal/errs"
	"github.com/workspace/session-broker/internal/generator"
	"github.com/workspace/session-broker/internal/persistence"
)

// errorPrefix starts the text sent to clients and stored when a turn fails.
const errorPrefix = "Error processing message: "

// Relay records a user message, streams the generator's response to every
// connection of the session, and records the assistant turn.
//
// Only one relay runs per session at a time (Busy otherwise). The relay is
// bound to the session rather than to ctx: it stops when the session ends or
// the relay timeout passes, not when the caller goes away. Generator
// failures are reported to clients and recorded, and come back in
// RelayResult.Err with a nil error.
func (o *Orchestrator) Relay(ctx context.Context, id, text string) (RelayResult, error) {
	if strings.TrimSpace(text) == "" {
		return RelayResult{}, errs.New(errs.InvalidState, "message content is empty")
	}
	ls, err := o.requireLive(ctx, id)
	if err != nil {
		return RelayResult{}, err
	}

	ls.mu.Lock()
	if ls.state != StateActive {
		ls.mu.Unlock()
		return RelayResult{}, errs.New(errs.InvalidState, "session %s is %s", id, ls.state)
	}
	if ls.relay != nil {
		ls.mu.Unlock()
		return RelayResult{}, errs.New(errs.Busy, "a message is already being processed for session %s", id)
	}
	run := &relayRun{done: make(chan struct{})}
	ls.relay = run
	rctx, cancel := context.WithTimeout(ls.ctx, o.cfg.RelayTimeout)
	o.relays.Add(1)
	ls.mu.Unlock()

	defer func() {
		cancel()
		ls.mu.Lock()
		ls.relay = nil
		ls.mu.Unlock()
		close(run.done)
		o.relays.Done()
		if o.lookup(id) != nil {
			o.touch(id)
		}
	}()

	o.touch(id)
	return o.relay(rctx, ls, text)
}

func (o *Orchestrator) relay(ctx context.Context, ls *liveSession, text string) (RelayResult, error) {
	var res RelayResult
	log := o.logger.With("sessionID", ls.id)
	pctx := context.WithoutCancel(ctx)

	userMsg, err := o.store.AppendMessage(pctx, persistence.Message{
		SessionID: ls.id,
		Role:      persistence.RoleUser,
		Content:   text,
	})
	if err != nil {
		return res, errs.Wrap(errs.Internal, err, "record user message")
	}
	res.UserMessage = userMsg

	recent, err := o.store.RecentMessages(pctx, ls.id, o.cfg.ContextWindow)
	if err != nil {
		return res, errs.Wrap(errs.Internal, err, "load context")
	}
	msgs := make([]generator.Message, 0, len(recent))
	for _, m := range recent {
		msgs = append(msgs, generator.Message{Role: m.Role, Content: m.Content})
	}

	t := &turn{o: o, ls: ls}
	var acc strings.Builder
	cut := false
	genErr := func() error {
		stream, err := o.gen.Open(ctx, generator.Request{
			SessionID:         ls.id,
			EnvironmentHandle: ls.handle,
			Messages:          msgs,
			Tools:             o.cfg.Tools,
		})
		if err != nil {
			return err
		}
		defer stream.Close()

		for {
			frag, err := stream.Recv()
			if ls.ctx.Err() != nil {
				cut = true
				return nil
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if frag == "" {
				continue
			}
			if !t.emit(Event{Type: EventAgentResponse, Content: frag}) {
				cut = true
				return nil
			}
			acc.WriteString(frag)
			res.Fragments++
		}
	}()

	if genErr != nil && ls.ctx.Err() != nil {
		// Open or Recv failed because the session is ending.
		cut, genErr = true, nil
	}

	meta := map[string]any{"fragments": res.Fragments}
	content := acc.String()

	switch {
	case cut:
		res.Truncated = true
		meta["truncated"] = true
		log.Info("Relay cut short by session end", "fragments", res.Fragments)

	case genErr != nil:
		if errors.Is(genErr, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			genErr = errs.New(errs.GeneratorError, "no response within %s", o.cfg.RelayTimeout)
		} else if !errs.Is(genErr, errs.GeneratorError) {
			genErr = errs.Wrap(errs.GeneratorError, genErr, "")
		}
		res.Err = genErr
		errText := errorPrefix + errs.MessageOf(genErr)
		meta["error"] = errs.MessageOf(genErr)
		if content != "" {
			content += "\n\n"
		}
		content += errText
		t.emit(Event{Type: EventAgentError, Content: errText})
		log.Warn("Generator failed", "fragments", res.Fragments, "error", genErr)
	}

	assistant, err := o.store.AppendMessage(pctx, persistence.Message{
		SessionID: ls.id,
		Role:      persistence.RoleAssistant,
		Content:   content,
		Metadata:  meta,
	})
	if err != nil {
		return res, errs.Wrap(errs.Internal, err, "record assistant message")
	}
	res.AssistantMessage = assistant

	if !res.Truncated {
		t.emit(Event{Type: EventTurnComplete, MessageID: assistant.ID})
		log.Debug("Relay complete", "fragments", res.Fragments, "failed", res.Err != nil)
	}
	return res, nil
}

// turn numbers and emits the events of one relay.
type turn struct {
	o   *Orchestrator
	ls  *liveSession
	seq int
}

// emit broadcasts ev unless the session has started ending. It reports
// whether the event was sent.
func (t *turn) emit(ev Event) bool {
	t.ls.emitMu.Lock()
	defer t.ls.emitMu.Unlock()
	if t.ls.emitClosed || t.ls.ctx.Err() != nil {
		return false
	}

	ev.Seq = t.seq
	ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	payload, err := json.Marshal(ev)
	if err != nil {
		t.o.logger.Error("Failed to encode event", "sessionID", t.ls.id, "type", ev.Type, "error", err)
		return false
	}
	t.seq++
	t.o.conns.Broadcast(context.Background(), t.ls.id, payload)
	return true
}
