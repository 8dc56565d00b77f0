// Package agent runs the external coding agent as a subprocess. The agent is
// a black box: instruction in on stdin, result out on stdout. Every chunk of
// output fires the caller's activity callback so the working-lock heartbeat
// follows real progress, not wall-clock time.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/heysquid/heysquid/pkg/logger"
)

type CLI struct {
	command string
	args    []string
	dir     string

	mu  sync.Mutex
	cmd *exec.Cmd
}

func NewCLI(command string, args []string, workDir string) *CLI {
	return &CLI{command: command, args: args, dir: workDir}
}

// Run executes one job. Cancelling ctx kills the subprocess. stderr is
// logged line by line; the trimmed stdout is the result.
func (c *CLI) Run(ctx context.Context, instruction string, onActivity func()) (string, error) {
	cmd := exec.CommandContext(ctx, c.command, c.args...)
	cmd.Dir = c.dir
	cmd.Stdin = strings.NewReader(instruction)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("agent: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("agent: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("agent: start %s: %w", c.command, err)
	}
	c.mu.Lock()
	c.cmd = cmd
	c.mu.Unlock()
	logger.InfoCF("agent", "subprocess started", map[string]interface{}{
		"command": c.command, "pid": cmd.Process.Pid,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			if onActivity != nil {
				onActivity()
			}
			logger.DebugCF("agent", "stderr", map[string]interface{}{"line": scanner.Text()})
		}
	}()

	var out bytes.Buffer
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		if onActivity != nil {
			onActivity()
		}
		out.WriteString(scanner.Text())
		out.WriteByte('\n')
	}
	readErr := scanner.Err()

	wg.Wait()
	waitErr := cmd.Wait()
	c.mu.Lock()
	c.cmd = nil
	c.mu.Unlock()

	if ctx.Err() != nil {
		return "", fmt.Errorf("agent: killed: %w", ctx.Err())
	}
	if waitErr != nil {
		return "", fmt.Errorf("agent: %s exited: %w", c.command, waitErr)
	}
	if readErr != nil {
		return "", fmt.Errorf("agent: read output: %w", readErr)
	}
	return strings.TrimSpace(out.String()), nil
}

// Kill terminates a running subprocess, if any.
func (c *CLI) Kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd != nil && c.cmd.Process != nil {
		logger.WarnCF("agent", "killing subprocess", map[string]interface{}{"pid": c.cmd.Process.Pid})
		c.cmd.Process.Kill()
	}
}

// Running reports whether a subprocess is currently active.
func (c *CLI) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cmd != nil
}
