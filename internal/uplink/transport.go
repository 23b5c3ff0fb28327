package uplink

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/cznic-net/ucollect-go/internal/logx"
)

// ProcessTransport implements Transport by spawning the TLS/DNS child
// transport process as an out-of-scope collaborator: the core never
// terminates TLS itself, and requires only a byte-stream
// connect/read/write/close abstraction. It talks to the helper over a
// pair of pipes exactly as it would to any other plain-text peer, plus
// a separate stderr pipe whose lines are logged.
//
// Grounded on bifaci/host.go's spawnPluginLocked: exec.Command, StdinPipe/
// StdoutPipe wired before Start, a background goroutine draining the
// child's stderr into the host's own logging instead of discarding it.
type ProcessTransport struct {
	command string
	args    []string
	log     logx.Logger
}

// NewProcessTransport returns a Transport that runs command with the
// same args for every Dial. It does not alternate between IPv4 and IPv6
// across attempts; the address family is whatever the helper process
// picks for those args.
func NewProcessTransport(command string, args []string, log logx.Logger) *ProcessTransport {
	return &ProcessTransport{command: command, args: args, log: log}
}

// processConn adapts a running child process's stdin/stdout into an
// io.ReadWriteCloser, killing the process on Close.
type processConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *processConn) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *processConn) Write(b []byte) (int, error) { return p.stdin.Write(b) }
func (p *processConn) Close() error {
	p.stdin.Close()
	p.stdout.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	return p.cmd.Wait()
}

// Dial spawns the transport helper and returns the pipe pair as the
// byte-stream connection, logging the helper's stderr lines in the
// background until the process exits.
func (t *ProcessTransport) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	cmd := exec.CommandContext(ctx, t.command, t.args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("uplink: transport stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("uplink: transport stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("uplink: transport stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("uplink: start transport helper: %w", err)
	}

	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			t.log.Warn().Str("line", sc.Text()).Msg("uplink: transport helper stderr")
		}
	}()

	return &processConn{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}
