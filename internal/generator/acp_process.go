package generator

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// stderrTailLines is how many trailing stderr lines are kept for errors.
const stderrTailLines = 20

// agentProcess is an ACP agent running inside a session's environment via
// docker exec, speaking NDJSON over stdin/stdout.
type agentProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	tailMu sync.Mutex
	tail   []string

	mu      sync.Mutex
	stopped bool
}

// processSpec describes how to exec the agent.
type processSpec struct {
	Binary  string
	Handle  string
	User    string
	WorkDir string
	Env     []string
	Command string
	Args    []string
}

// execArgs builds: exec -i [-u user] [-w dir] [-e VAR=val...] handle command args...
func (p processSpec) execArgs() []string {
	args := []string{"exec", "-i"}
	if p.User != "" {
		args = append(args, "-u", p.User)
	}
	if p.WorkDir != "" {
		args = append(args, "-w", p.WorkDir)
	}
	for _, env := range p.Env {
		args = append(args, "-e", env)
	}
	args = append(args, p.Handle, p.Command)
	return append(args, p.Args...)
}

func startAgentProcess(spec processSpec) (*agentProcess, error) {
	cmd := exec.Command(spec.Binary, spec.execArgs()...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("start agent process: %w", err)
	}

	p := &agentProcess{cmd: cmd, stdin: stdin, stdout: stdout}
	go p.collectStderr(stderr)
	return p, nil
}

func (p *agentProcess) collectStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.tailMu.Lock()
		p.tail = append(p.tail, scanner.Text())
		if len(p.tail) > stderrTailLines {
			p.tail = p.tail[len(p.tail)-stderrTailLines:]
		}
		p.tailMu.Unlock()
	}
}

// stderrTail returns the last lines the agent wrote to stderr.
func (p *agentProcess) stderrTail() string {
	p.tailMu.Lock()
	defer p.tailMu.Unlock()
	return strings.Join(p.tail, "\n")
}

// stop closes stdin, kills the process, and reaps it. Safe to call twice.
func (p *agentProcess) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true

	p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.cmd.Wait()
}
