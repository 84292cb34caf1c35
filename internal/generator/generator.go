// Package generator defines the contract for the external agent call that
// produces a turn's response, plus the backends that implement it.
//
// A generator returns a lazy, finite, non-restartable stream of text
// fragments. Cancelling the context passed to Open stops production; the
// stream may fail at any point, including before the first fragment.
package generator

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Message is one prior conversation turn handed to the generator.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tool describes a tool the agent may use, in the Anthropic tool schema.
type Tool struct {
	Type            string `json:"type"`
	Name            string `json:"name"`
	DisplayWidthPx  int    `json:"display_width_px,omitempty"`
	DisplayHeightPx int    `json:"display_height_px,omitempty"`
	DisplayNumber   int    `json:"display_number,omitempty"`
}

// ComputerTool is the computer-use tool for the session's virtual display.
func ComputerTool() Tool {
	return Tool{
		Type:            "computer_20241022",
		Name:            "computer",
		DisplayWidthPx:  1024,
		DisplayHeightPx: 768,
		DisplayNumber:   1,
	}
}

// Request is the input to one generation.
type Request struct {
	SessionID         string
	EnvironmentHandle string
	// Messages is the bounded context, oldest first, ending with the
	// current user message.
	Messages []Message
	Tools    []Tool
}

// Stream yields response fragments. Recv returns io.EOF after the last
// fragment. Close releases resources and may be called at any time.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Generator opens response streams.
type Generator interface {
	Open(ctx context.Context, req Request) (Stream, error)
}

// Func adapts a function into a Generator.
type Func func(ctx context.Context, req Request) (Stream, error)

func (f Func) Open(ctx context.Context, req Request) (Stream, error) { return f(ctx, req) }

// pipe is a Stream fed by a producer goroutine. The producer calls emit for
// each fragment and finish exactly once.
type pipe struct {
	ctx    context.Context
	cancel context.CancelFunc
	frags  chan string

	mu       sync.Mutex
	finished bool
	err      error
	done     chan struct{}
	onClose  func()
	once     sync.Once
}

func newPipe(ctx context.Context) *pipe {
	ctx, cancel := context.WithCancel(ctx)
	return &pipe{
		ctx:    ctx,
		cancel: cancel,
		frags:  make(chan string, 16),
		done:   make(chan struct{}),
	}
}

// emit hands a fragment to the consumer. It reports false once the stream
// is cancelled or finished.
func (p *pipe) emit(text string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return false
	}
	select {
	case p.frags <- text:
		return true
	case <-p.ctx.Done():
		return false
	}
}

// finish ends the stream with err (nil means normal end).
func (p *pipe) finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.finished = true
	p.err = err
	close(p.frags)
	close(p.done)
}

func (p *pipe) Recv() (string, error) {
	select {
	case text, ok := <-p.frags:
		if ok {
			return text, nil
		}
	case <-p.ctx.Done():
		// Prefer fragments already produced over the cancellation.
		select {
		case text, ok := <-p.frags:
			if ok {
				return text, nil
			}
		default:
			return "", p.ctx.Err()
		}
	}
	<-p.done
	if p.err == nil {
		return "", io.EOF
	}
	return "", p.err
}

func (p *pipe) Close() error {
	p.once.Do(func() {
		p.cancel()
		if p.onClose != nil {
			p.onClose()
		}
	})
	return nil
}

// Collect drains a stream into a single string. It is meant for tests and
// tools; the relay consumes streams fragment by fragment.
func Collect(s Stream) (string, error) {
	defer s.Close()
	var out []byte
	for {
		text, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return string(out), nil
		}
		if err != nil {
			return string(out), err
		}
		out = append(out, text...)
	}
}
