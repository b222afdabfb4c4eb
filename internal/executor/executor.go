package executor

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/dsyorkd/fleet-controller/internal/errors"
	"github.com/dsyorkd/fleet-controller/internal/logger"
)

// Result is the outcome of a remote command. OK is true only when the
// command ran and exited with status zero.
type Result struct {
	OK       bool          `json:"success"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Err converts a failed result into a CommandError
func (r Result) Err(host, command string) error {
	if r.OK {
		return nil
	}
	return errors.NewCommandError(host, command, r.Stderr)
}

// Executor runs shell commands on remote nodes. Transport failures are
// reported through the Result, never as a Go error.
type Executor interface {
	Execute(ctx context.Context, ep Endpoint, command string) Result
}

// SSHExecutor executes commands over pooled SSH connections
type SSHExecutor struct {
	pool   *Pool
	config Config
	logger logger.Interface
}

// NewSSHExecutor creates an executor backed by a fresh connection pool
func NewSSHExecutor(config Config, creds CredentialSource, log logger.Interface) *SSHExecutor {
	return &SSHExecutor{
		pool:   NewPool(config, creds, log),
		config: config,
		logger: log.WithField("component", "executor"),
	}
}

// Pool exposes the underlying connection pool
func (e *SSHExecutor) Pool() *Pool {
	return e.pool
}

// Execute runs command on ep and captures its output
func (e *SSHExecutor) Execute(ctx context.Context, ep Endpoint, command string) Result {
	start := time.Now()
	if e.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.CommandTimeout)
		defer cancel()
	}

	log := e.logger.WithFields(map[string]interface{}{
		"endpoint": ep.Key(),
		"command":  command,
	})

	client, release, err := e.pool.Acquire(ctx, ep)
	if err != nil {
		log.WithError(err).Warn("SSH connection failed")
		return Result{
			ExitCode: -1,
			Stderr:   fmt.Sprintf("Failed to establish SSH connection: %v", err),
			Duration: time.Since(start),
		}
	}
	defer release()

	session, err := client.NewSession()
	if err != nil {
		// the cached client is likely dead
		e.pool.Invalidate(ep.Key())
		log.WithError(err).Warn("Failed to open SSH session")
		return Result{
			ExitCode: -1,
			Stderr:   fmt.Sprintf("Failed to establish SSH connection: %v", err),
			Duration: time.Since(start),
		}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Start(command); err != nil {
		return Result{
			ExitCode: -1,
			Stderr:   fmt.Sprintf("failed to start command: %v", err),
			Duration: time.Since(start),
		}
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		log.Warn("Command cancelled")
		return Result{
			ExitCode: -1,
			Stderr:   fmt.Sprintf("command aborted: %v", ctx.Err()),
			Duration: time.Since(start),
		}
	}

	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		res.OK = true
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitStatus()
	default:
		res.ExitCode = -1
		if res.Stderr == "" {
			res.Stderr = err.Error()
		}
	}

	log.WithFields(map[string]interface{}{
		"exit_code": res.ExitCode,
		"duration":  res.Duration,
	}).Debug("Command completed")
	return res
}

// Close releases all pooled connections
func (e *SSHExecutor) Close() error {
	return e.pool.Close()
}
