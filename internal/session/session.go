// Package session drives the lifecycle of computer-use sessions and relays
// generated responses to every client attached to a session.
package session

import (
	"context"
	"time"

	"github.com/workspace/session-broker/internal/persistence"
	"github.com/workspace/session-broker/internal/provisioner"
	"github.com/workspace/session-broker/internal/registry"
)

type State string

const (
	StateProvisioning State = "provisioning"
	StateActive       State = "active"
	StateEnding       State = "ending"
	StateTerminated   State = "terminated"
	StateFailed       State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateFailed
}

// Session is a point-in-time view of a session.
type Session struct {
	ID                string               `json:"id"`
	State             State                `json:"status"`
	EnvironmentHandle string               `json:"-"`
	Endpoint          provisioner.Endpoint `json:"endpoint"`
	Error             string               `json:"error,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
	EndedAt           *time.Time           `json:"ended_at,omitempty"`
}

func fromRecord(rec persistence.SessionRecord) Session {
	return Session{
		ID:                rec.ID,
		State:             State(rec.Status),
		EnvironmentHandle: rec.EnvironmentHandle,
		Endpoint: provisioner.Endpoint{
			Host:      rec.VNCHost,
			VNCPort:   rec.VNCPort,
			NoVNCPort: rec.NoVNCPort,
		},
		Error:     rec.Error,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		EndedAt:   rec.EndedAt,
	}
}

// Store is the persistence the orchestrator needs. *persistence.Store
// implements it.
type Store interface {
	InsertSession(ctx context.Context, rec persistence.SessionRecord) error
	SetEnvironment(ctx context.Context, sessionID string, env persistence.Environment, status string) error
	UpdateSessionStatus(ctx context.Context, sessionID, status, errText string, terminal bool) error
	GetSession(ctx context.Context, sessionID string) (*persistence.SessionRecord, error)
	ListSessions(ctx context.Context, statuses ...string) ([]persistence.SessionRecord, error)
	AppendMessage(ctx context.Context, msg persistence.Message) (persistence.Message, error)
	ListMessages(ctx context.Context, sessionID string) ([]persistence.Message, error)
	RecentMessages(ctx context.Context, sessionID string, n int) ([]persistence.Message, error)
}

// Connections is the connection registry as seen by the orchestrator.
// *registry.Registry implements it.
type Connections interface {
	Attach(sessionID string, conn registry.Connection) error
	Detach(sessionID string, conn registry.Connection) bool
	DetachAll(sessionID, reason string) int
	Broadcast(ctx context.Context, sessionID string, payload []byte) int
	Count(sessionID string) int
}

// Event types pushed to attached connections.
const (
	EventAgentResponse = "agent_response"
	EventAgentError    = "agent_error"
	EventTurnComplete  = "turn_complete"
)

// Event is one message pushed to every connection of a session. Seq starts
// at 0 for each turn and increases by one per event.
type Event struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	Seq       int    `json:"seq"`
	MessageID string `json:"message_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// RelayResult describes a finished relay. A generator failure is reported in
// Err; the relay itself still succeeded in recording the turn.
type RelayResult struct {
	UserMessage      persistence.Message
	AssistantMessage persistence.Message
	Fragments        int
	Truncated        bool
	Err              error
}

// ReconcileResult counts sessions cleaned up after a restart.
type ReconcileResult struct {
	Terminated int
	Failed     int
}
