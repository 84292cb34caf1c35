package provisioner

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/workspace/session-broker/internal/errs"
	"github.com/workspace/session-broker/internal/retry"
)

const (
	vncContainerPort   = "5900/tcp"
	novncContainerPort = "6080/tcp"

	// ManagedLabel marks containers created by the broker.
	ManagedLabel = "session-broker.managed"
)

// Runner executes a command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes name with args. A non-zero exit is reported with stderr.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return out, fmt.Errorf("%s %s: %w: %s", name, args[0], err, msg)
		}
		return out, fmt.Errorf("%s %s: %w", name, args[0], err)
	}
	return out, nil
}

// DockerConfig configures the Docker provisioner.
type DockerConfig struct {
	// Binary is the docker CLI (default "docker").
	Binary string
	// Image is the computer-use desktop image.
	Image string
	// VNCPassword is passed to the container as VNC_PASSWORD.
	VNCPassword string
	// BindHost is the host interface ports are published on (default 127.0.0.1).
	BindHost string
	// PublicHost is the host name reported to clients (default localhost).
	PublicHost string
	// Display is the X display inside the container (default ":1").
	Display string
	// ReadyTimeout bounds the wait for the container to reach running.
	ReadyTimeout time.Duration
	// StopTimeout is passed to docker stop -t.
	StopTimeout time.Duration
	// ExtraEnv is appended to the container environment as KEY=value.
	ExtraEnv []string
	Runner   Runner
	Logger   *slog.Logger
}

// Docker provisions environments as Docker containers via the docker CLI.
type Docker struct {
	cfg    DockerConfig
	runner Runner
	logger *slog.Logger
}

// NewDocker returns a Docker provisioner with defaults applied.
func NewDocker(cfg DockerConfig) *Docker {
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if cfg.BindHost == "" {
		cfg.BindHost = "127.0.0.1"
	}
	if cfg.PublicHost == "" {
		cfg.PublicHost = "localhost"
	}
	if cfg.Display == "" {
		cfg.Display = ":1"
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 30 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	runner := cfg.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Docker{cfg: cfg, runner: runner, logger: logger}
}

func (d *Docker) docker(ctx context.Context, args ...string) (string, error) {
	out, err := d.runner.Run(ctx, d.cfg.Binary, args...)
	return strings.TrimSpace(string(out)), err
}

// Create starts a container, waits for it to run, and resolves its
// published ports. A container that never becomes ready is removed.
func (d *Docker) Create(ctx context.Context) (Environment, error) {
	if d.cfg.Image == "" {
		return Environment{}, errs.New(errs.ProvisionError, "no environment image configured")
	}

	args := []string{"run", "-d",
		"--label", ManagedLabel + "=true",
		"-p", d.cfg.BindHost + "::5900",
		"-p", d.cfg.BindHost + "::6080",
		"-e", "DISPLAY=" + d.cfg.Display,
	}
	if d.cfg.VNCPassword != "" {
		args = append(args, "-e", "VNC_PASSWORD="+d.cfg.VNCPassword)
	}
	for _, env := range d.cfg.ExtraEnv {
		args = append(args, "-e", env)
	}
	args = append(args, d.cfg.Image)

	out, err := d.docker(ctx, args...)
	if err != nil {
		return Environment{}, errs.Wrap(errs.ProvisionError, err, "start container")
	}
	handle := lastLine(out)
	if handle == "" {
		return Environment{}, errs.New(errs.ProvisionError, "docker run returned no container id")
	}
	log := d.logger.With("handle", shortID(handle))
	log.Info("Container started", "image", d.cfg.Image)

	env, err := d.awaitReady(ctx, handle)
	if err != nil {
		log.Warn("Container failed to become ready, removing", "error", err)
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.StopTimeout+5*time.Second)
		d.Stop(cleanupCtx, handle)
		cancel()
		return Environment{}, errs.Wrap(errs.ProvisionError, err, "environment not ready")
	}

	log.Info("Environment ready", "vncPort", env.Endpoint.VNCPort, "novncPort", env.Endpoint.NoVNCPort)
	return env, nil
}

func (d *Docker) awaitReady(ctx context.Context, handle string) (Environment, error) {
	policy := retry.DefaultPolicy()
	policy.MaxElapsed = d.cfg.ReadyTimeout
	policy.Logger = d.logger

	err := retry.Do(ctx, policy, "await container running", func(ctx context.Context) error {
		state, err := d.state(ctx, handle)
		switch {
		case err != nil:
			return err
		case state == "running":
			return nil
		case state == "exited" || state == "dead":
			return retry.Permanent(fmt.Errorf("container %s during startup", state))
		default:
			return fmt.Errorf("container state %q", state)
		}
	})
	if err != nil {
		return Environment{}, err
	}

	vnc, err := d.hostPort(ctx, handle, vncContainerPort)
	if err != nil {
		return Environment{}, err
	}
	novnc, err := d.hostPort(ctx, handle, novncContainerPort)
	if err != nil {
		return Environment{}, err
	}
	return Environment{
		Handle:   handle,
		Endpoint: Endpoint{Host: d.cfg.PublicHost, VNCPort: vnc, NoVNCPort: novnc},
	}, nil
}

func (d *Docker) hostPort(ctx context.Context, handle, containerPort string) (int, error) {
	out, err := d.docker(ctx, "port", handle, containerPort)
	if err != nil {
		return 0, fmt.Errorf("resolve port %s: %w", containerPort, err)
	}
	port, err := parsePortMapping(out)
	if err != nil {
		return 0, fmt.Errorf("resolve port %s: %w", containerPort, err)
	}
	return port, nil
}

// parsePortMapping extracts the host port from `docker port` output such as
// "127.0.0.1:49153" or "[::]:49153". The first mapping wins.
func parsePortMapping(out string) (int, error) {
	line := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])
	idx := strings.LastIndex(line, ":")
	if idx < 0 || idx == len(line)-1 {
		return 0, fmt.Errorf("unexpected port mapping %q", line)
	}
	port, err := strconv.Atoi(line[idx+1:])
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("unexpected port mapping %q", line)
	}
	return port, nil
}

// Stop stops and removes the container. Errors are logged, never returned.
func (d *Docker) Stop(ctx context.Context, handle string) {
	if handle == "" {
		return
	}
	log := d.logger.With("handle", shortID(handle))

	secs := strconv.Itoa(int(d.cfg.StopTimeout / time.Second))
	if _, err := d.docker(ctx, "stop", "-t", secs, handle); err != nil {
		log.Warn("Failed to stop container", "error", err)
	}
	if _, err := d.docker(ctx, "rm", "-f", handle); err != nil {
		log.Warn("Failed to remove container", "error", err)
		return
	}
	log.Info("Container removed")
}

// Status reports the container state. Inspection failures map to unknown.
func (d *Docker) Status(ctx context.Context, handle string) Status {
	if handle == "" {
		return StatusUnknown
	}
	state, err := d.state(ctx, handle)
	if err != nil {
		return StatusUnknown
	}
	return mapDockerState(state)
}

func (d *Docker) state(ctx context.Context, handle string) (string, error) {
	out, err := d.docker(ctx, "inspect", "-f", "{{.State.Status}}", handle)
	if err != nil {
		return "", err
	}
	return strings.ToLower(out), nil
}

func mapDockerState(state string) Status {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "running":
		return StatusRunning
	case "created", "exited", "dead", "paused", "removing":
		return StatusStopped
	default:
		return StatusUnknown
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
