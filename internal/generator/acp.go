package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/workspace/session-broker/internal/errs"
)

// ACPConfig configures the Agent Client Protocol backend.
type ACPConfig struct {
	// Binary is the docker CLI used to exec into the environment.
	Binary string
	// Command is the ACP agent binary inside the environment.
	Command string
	Args    []string
	Env     []string
	User    string
	WorkDir string
	// InitTimeout bounds Initialize + NewSession.
	InitTimeout time.Duration
	Logger      *slog.Logger
}

// ACP runs an ACP agent inside the session's environment for each turn and
// relays its agent_message_chunk updates as fragments.
type ACP struct {
	cfg    ACPConfig
	logger *slog.Logger
}

// NewACP returns an ACP generator with defaults applied.
func NewACP(cfg ACPConfig) *ACP {
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "/"
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ACP{cfg: cfg, logger: logger}
}

// Open starts the agent, performs the handshake, and begins the prompt.
func (a *ACP) Open(ctx context.Context, req Request) (Stream, error) {
	if a.cfg.Command == "" {
		return nil, errs.New(errs.GeneratorError, "no ACP agent command configured")
	}
	if req.EnvironmentHandle == "" {
		return nil, errs.New(errs.GeneratorError, "session has no environment")
	}
	prompt := RenderPrompt(req.Messages)
	if prompt == "" {
		return nil, errs.New(errs.GeneratorError, "no user message to respond to")
	}

	proc, err := startAgentProcess(processSpec{
		Binary:  a.cfg.Binary,
		Handle:  req.EnvironmentHandle,
		User:    a.cfg.User,
		WorkDir: a.cfg.WorkDir,
		Env:     a.cfg.Env,
		Command: a.cfg.Command,
		Args:    a.cfg.Args,
	})
	if err != nil {
		return nil, errs.Wrap(errs.GeneratorError, err, "start agent")
	}
	log := a.logger.With("sessionID", req.SessionID, "agent", a.cfg.Command)

	out := newPipe(ctx)
	out.onClose = proc.stop

	client := &acpClient{out: out, logger: log}
	conn := acpsdk.NewClientSideConnection(client, proc.stdin, proc.stdout)

	initCtx, cancel := context.WithTimeout(out.ctx, a.cfg.InitTimeout)
	defer cancel()

	if _, err := conn.Initialize(initCtx, acpsdk.InitializeRequest{
		ProtocolVersion:    acpsdk.ProtocolVersionNumber,
		ClientCapabilities: acpsdk.ClientCapabilities{},
	}); err != nil {
		out.Close()
		return nil, a.agentError(proc, err, "initialize")
	}
	sess, err := conn.NewSession(initCtx, acpsdk.NewSessionRequest{
		Cwd:        a.cfg.WorkDir,
		McpServers: []acpsdk.McpServer{},
	})
	if err != nil {
		out.Close()
		return nil, a.agentError(proc, err, "new session")
	}
	log.Debug("ACP session ready", "acpSessionId", string(sess.SessionId))

	go func() {
		resp, err := conn.Prompt(out.ctx, acpsdk.PromptRequest{
			SessionId: sess.SessionId,
			Prompt:    []acpsdk.ContentBlock{acpsdk.TextBlock(prompt)},
		})
		switch {
		case err != nil:
			out.finish(a.agentError(proc, err, "prompt"))
		case string(resp.StopReason) == "refusal":
			out.finish(errs.New(errs.GeneratorError, "agent refused the request"))
		case string(resp.StopReason) == "cancelled" && out.ctx.Err() != nil:
			out.finish(out.ctx.Err())
		default:
			log.Debug("ACP prompt completed", "stopReason", string(resp.StopReason))
			out.finish(nil)
		}
		proc.stop()
	}()

	return out, nil
}

func (a *ACP) agentError(proc *agentProcess, err error, step string) error {
	if tail := proc.stderrTail(); tail != "" {
		return errs.Wrap(errs.GeneratorError, err, fmt.Sprintf("%s (agent stderr: %s)", step, tail))
	}
	return errs.Wrap(errs.GeneratorError, err, step)
}

// RenderPrompt flattens bounded context into a single prompt. Each turn
// starts a fresh agent session, so earlier turns are replayed as a transcript.
func RenderPrompt(msgs []Message) string {
	last := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" && strings.TrimSpace(msgs[i].Content) != "" {
			last = i
			break
		}
	}
	if last < 0 {
		return ""
	}
	if last == 0 {
		return msgs[0].Content
	}

	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	for _, m := range msgs[:last] {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := "User"
		if m.Role == "assistant" {
			role = "Assistant"
		}
		fmt.Fprintf(&b, "\n%s: %s\n", role, m.Content)
	}
	b.WriteString("\nCurrent request:\n")
	b.WriteString(msgs[last].Content)
	return b.String()
}

// acpClient implements the acp-go-sdk Client interface for one turn.
type acpClient struct {
	out    *pipe
	logger *slog.Logger
}

func (c *acpClient) SessionUpdate(_ context.Context, params acpsdk.SessionNotification) error {
	u := params.Update
	if u.AgentMessageChunk == nil {
		return nil
	}
	if text := contentBlockText(u.AgentMessageChunk.Content); text != "" {
		c.out.emit(text)
	}
	return nil
}

func contentBlockText(block acpsdk.ContentBlock) string {
	if block.Text != nil {
		return block.Text.Text
	}
	return ""
}

func (c *acpClient) RequestPermission(_ context.Context, params acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
	c.logger.Info("Permission request auto-approved", "optionsCount", len(params.Options))
	if len(params.Options) > 0 {
		return acpsdk.RequestPermissionResponse{
			Outcome: acpsdk.NewRequestPermissionOutcomeSelected(params.Options[0].OptionId),
		}, nil
	}
	return acpsdk.RequestPermissionResponse{
		Outcome: acpsdk.NewRequestPermissionOutcomeCancelled(),
	}, nil
}

var errUnsupported = errors.New("not supported by this client")

func (c *acpClient) ReadTextFile(context.Context, acpsdk.ReadTextFileRequest) (acpsdk.ReadTextFileResponse, error) {
	return acpsdk.ReadTextFileResponse{}, fmt.Errorf("ReadTextFile: %w", errUnsupported)
}

func (c *acpClient) WriteTextFile(context.Context, acpsdk.WriteTextFileRequest) (acpsdk.WriteTextFileResponse, error) {
	return acpsdk.WriteTextFileResponse{}, fmt.Errorf("WriteTextFile: %w", errUnsupported)
}

func (c *acpClient) CreateTerminal(context.Context, acpsdk.CreateTerminalRequest) (acpsdk.CreateTerminalResponse, error) {
	return acpsdk.CreateTerminalResponse{}, fmt.Errorf("CreateTerminal: %w", errUnsupported)
}

func (c *acpClient) KillTerminalCommand(context.Context, acpsdk.KillTerminalCommandRequest) (acpsdk.KillTerminalCommandResponse, error) {
	return acpsdk.KillTerminalCommandResponse{}, fmt.Errorf("KillTerminalCommand: %w", errUnsupported)
}

func (c *acpClient) TerminalOutput(context.Context, acpsdk.TerminalOutputRequest) (acpsdk.TerminalOutputResponse, error) {
	return acpsdk.TerminalOutputResponse{}, fmt.Errorf("TerminalOutput: %w", errUnsupported)
}

func (c *acpClient) ReleaseTerminal(context.Context, acpsdk.ReleaseTerminalRequest) (acpsdk.ReleaseTerminalResponse, error) {
	return acpsdk.ReleaseTerminalResponse{}, fmt.Errorf("ReleaseTerminal: %w", errUnsupported)
}

func (c *acpClient) WaitForTerminalExit(context.Context, acpsdk.WaitForTerminalExitRequest) (acpsdk.WaitForTerminalExitResponse, error) {
	return acpsdk.WaitForTerminalExitResponse{}, fmt.Errorf("WaitForTerminalExit: %w", errUnsupported)
}
