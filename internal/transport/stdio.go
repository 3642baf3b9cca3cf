// Package transport provides the concrete peer transports: a
// subprocess channel speaking newline-delimited JSON-RPC over
// stdin/stdout, a WebSocket channel, and an HTTP POST caller. The
// Dialer maps endpoint strings to the right transport by scheme.
package transport

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// stopGrace is how long a subprocess gets to exit after stdin closes
// before it is killed.
const stopGrace = 5 * time.Second

// StdioConfig configures a subprocess transport that communicates over
// stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioChannel runs a peer as a subprocess. Each Send writes one
// JSON line to the subprocess stdin; each Recv reads one line from its
// stdout. Message framing only — correlation lives above the channel.
type StdioChannel struct {
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// StartStdio launches the subprocess and returns a channel over its
// pipes. The subprocess lifecycle is independent of call contexts; it
// is only terminated by Close.
func StartStdio(cfg StdioConfig) (*StdioChannel, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("starting peer subprocess",
		"command", cfg.Command,
		"args", cfg.Args,
	)

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = append(os.Environ(), cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	// Capture stderr for logging — not part of the protocol.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return nil, fmt.Errorf("start subprocess %s: %w", cfg.Command, err)
	}

	ch := &StdioChannel{
		logger: logger,
		cmd:    cmd,
		stdin:  stdin,
		reader: bufio.NewReaderSize(stdout, 1<<20), // 1 MiB buffer for large responses
	}

	// Drain stderr in the background.
	go ch.drainStderr(stderrPipe)

	logger.Info("peer subprocess started", "pid", cmd.Process.Pid)
	return ch, nil
}

// drainStderr reads stderr lines and logs them at debug level.
func (c *StdioChannel) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		c.logger.Debug("peer subprocess stderr", "line", scanner.Text())
	}
}

// Send writes one message plus the newline delimiter to the subprocess
// stdin. Concurrent senders are serialized so lines never interleave.
func (c *StdioChannel) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to subprocess stdin: %w", err)
	}
	return nil
}

// Recv reads one newline-delimited message from the subprocess stdout.
// It blocks until a line arrives, the subprocess exits, or the channel
// is closed.
func (c *StdioChannel) Recv() ([]byte, error) {
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read from subprocess stdout: %w", err)
	}
	return line, nil
}

// Close terminates the subprocess: stdin closes to signal exit, and
// after a grace period the process is killed.
func (c *StdioChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.stop()
	})
	return c.closeErr
}

func (c *StdioChannel) stop() error {
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}

	c.logger.Info("stopping peer subprocess", "pid", c.cmd.Process.Pid)

	// Close stdin to signal the subprocess to exit.
	if c.stdin != nil {
		c.stdin.Close()
	}

	// Wait briefly for graceful exit, then force kill.
	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(stopGrace):
		c.logger.Warn("peer subprocess did not exit gracefully, killing",
			"pid", c.cmd.Process.Pid,
		)
		_ = c.cmd.Process.Kill()
		<-done
		return nil
	}
}
