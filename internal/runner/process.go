package runner

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jeffnash/bridge-ws/internal/logging"
	log "github.com/sirupsen/logrus"
)

// maxLineBytes bounds a single stdout line from a provider CLI.
const maxLineBytes = 52_428_800

// cliProvider supplies the subprocess-specific pieces of an execution. The
// base owns spawning, stdio plumbing, the wall-clock timeout, and exit
// reconciliation; providers own argv/stdin construction and line parsing.
type cliProvider interface {
	// name identifies the provider in log lines.
	name() string

	// command builds the ready-to-start command and the bytes written to
	// its stdin. The command's Env, Dir and Args are fully populated.
	command(opts Options) (*exec.Cmd, []byte, error)

	// parseLine interprets one non-blank stdout line, emitting chunks or a
	// terminal error through the guarded handlers.
	parseLine(line []byte, opts Options, h Handlers)

	// cleanup releases per-execution resources (temp files). Called exactly
	// once per spawned execution, after the child has exited.
	cleanup(opts Options)
}

// processExecution is the per-run state of a ProcessRunner.
type processExecution struct {
	cmd        *exec.Cmd
	guard      *eventGuard
	timer      *time.Timer
	killed     atomic.Bool
	requestID  string
	stdoutDone chan struct{}
	stderrDone chan struct{}
}

// ProcessRunner is the shared subprocess runner base. It is stateful across
// executions only through its provider (e.g. a captured thread id) and holds
// at most one live child at a time.
type ProcessRunner struct {
	mu       sync.Mutex
	prov     cliProvider
	timeout  time.Duration
	current  *processExecution
	disposed bool
}

// NewProcessRunner wraps a provider in the subprocess base.
func NewProcessRunner(prov cliProvider, timeout time.Duration) *ProcessRunner {
	return &ProcessRunner{prov: prov, timeout: timeout}
}

// Run spawns one execution. A still-live prior child is killed first and its
// terminal event suppressed.
func (r *ProcessRunner) Run(opts Options, h Handlers) {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		if h.OnError != nil {
			h.OnError(DisposedMessage, opts.RequestID)
		}
		return
	}
	if prior := r.current; prior != nil {
		r.current = nil
		killExecution(prior)
		log.WithFields(log.Fields{
			"provider":   r.prov.name(),
			"request_id": opts.RequestID,
			"prior_id":   prior.requestID,
		}).Warn("runner: new run killed a live execution")
	}
	r.mu.Unlock()

	cmd, stdin, err := r.prov.command(opts)
	if err != nil {
		r.prov.cleanup(opts)
		if h.OnError != nil {
			h.OnError(err.Error(), opts.RequestID)
		}
		return
	}

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		r.prov.cleanup(opts)
		if h.OnError != nil {
			h.OnError(fmt.Sprintf("Failed to start %s CLI: %v", r.prov.name(), err), opts.RequestID)
		}
		return
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		r.prov.cleanup(opts)
		if h.OnError != nil {
			h.OnError(fmt.Sprintf("Failed to start %s CLI: %v", r.prov.name(), err), opts.RequestID)
		}
		return
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		r.prov.cleanup(opts)
		if h.OnError != nil {
			h.OnError(fmt.Sprintf("Failed to start %s CLI: %v", r.prov.name(), err), opts.RequestID)
		}
		return
	}

	if err := cmd.Start(); err != nil {
		r.prov.cleanup(opts)
		if h.OnError != nil {
			h.OnError(fmt.Sprintf("Failed to start %s CLI: %v", r.prov.name(), err), opts.RequestID)
		}
		return
	}

	e := &processExecution{
		cmd:        cmd,
		guard:      &eventGuard{h: h},
		requestID:  opts.RequestID,
		stdoutDone: make(chan struct{}),
		stderrDone: make(chan struct{}),
	}
	e.timer = time.AfterFunc(r.timeout, func() { r.fireTimeout(e) })

	r.mu.Lock()
	if r.disposed {
		// Dispose raced the spawn; tear the child down and report.
		r.mu.Unlock()
		killExecution(e)
		go func() {
			_ = cmd.Wait()
			r.prov.cleanup(opts)
		}()
		if h.OnError != nil {
			h.OnError(DisposedMessage, opts.RequestID)
		}
		return
	}
	r.current = e
	r.mu.Unlock()

	log.WithFields(log.Fields{
		"provider":   r.prov.name(),
		"request_id": opts.RequestID,
		"pid":        cmd.Process.Pid,
	}).Debug("runner: spawned")

	go writeStdin(stdinPipe, stdin)
	go r.readStdout(stdoutPipe, e, opts)
	go r.readStderr(stderrPipe, e)
	go r.reconcileExit(e, opts)
}

// Kill stops the current execution without emitting any event; the caller
// (cancel or shutdown path) owns the terminal event. Idempotent.
func (r *ProcessRunner) Kill() {
	r.mu.Lock()
	e := r.current
	r.current = nil
	r.mu.Unlock()
	killExecution(e)
}

// Dispose marks the runner terminally unusable and kills any live child.
func (r *ProcessRunner) Dispose() {
	r.mu.Lock()
	r.disposed = true
	e := r.current
	r.current = nil
	r.mu.Unlock()
	killExecution(e)
}

// killExecution stops the timer, latches the killed flag, suppresses any
// further events, and signals the child. Safe on nil and on already-dead
// children.
func killExecution(e *processExecution) {
	if e == nil {
		return
	}
	e.timer.Stop()
	e.killed.Store(true)
	e.guard.suppress()
	if e.cmd.Process != nil {
		// "already finished" errors are expected here.
		_ = e.cmd.Process.Kill()
	}
}

// fireTimeout is the wall-clock limit: kill the child and emit the timeout
// error. Exit reconciliation then sees the killed flag and stays silent.
func (r *ProcessRunner) fireTimeout(e *processExecution) {
	r.mu.Lock()
	if r.current == e {
		r.current = nil
	}
	r.mu.Unlock()
	if e.killed.Swap(true) {
		return
	}
	e.guard.fail("Process timed out", e.requestID)
	if e.cmd.Process != nil {
		_ = e.cmd.Process.Kill()
	}
	log.WithFields(log.Fields{
		"provider":   r.prov.name(),
		"request_id": e.requestID,
	}).Warn("runner: execution timed out")
}

func writeStdin(w io.WriteCloser, data []byte) {
	if len(data) > 0 {
		_, _ = w.Write(data)
	}
	_ = w.Close()
}

func (r *ProcessRunner) readStdout(pipe io.Reader, e *processExecution, opts Options) {
	defer close(e.stdoutDone)
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(nil, maxLineBytes)
	guarded := e.guard.handlers()
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		r.prov.parseLine(line, opts, guarded)
	}
	if err := scanner.Err(); err != nil && !e.killed.Load() {
		log.WithFields(log.Fields{
			"provider":   r.prov.name(),
			"request_id": e.requestID,
			"error":      err.Error(),
		}).Warn("runner: stdout read error")
	}
}

func (r *ProcessRunner) readStderr(pipe io.Reader, e *processExecution) {
	defer close(e.stderrDone)
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(nil, maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if logging.VerboseEnabled() {
			log.WithFields(log.Fields{
				"provider":   r.prov.name(),
				"request_id": e.requestID,
			}).Warn("runner stderr: " + line)
		} else {
			log.WithFields(log.Fields{
				"provider":   r.prov.name(),
				"request_id": e.requestID,
			}).Warn("runner stderr: " + logging.Snippet(line, 256))
		}
	}
}

// reconcileExit emits the terminal event unless the execution was killed
// (cancel, timeout, replacement, dispose) or a provider event already fired
// one. Wait closes the parent's pipe ends, so both read goroutines must
// finish first or buffered output is lost.
func (r *ProcessRunner) reconcileExit(e *processExecution, opts Options) {
	<-e.stdoutDone
	<-e.stderrDone
	err := e.cmd.Wait()
	e.timer.Stop()
	r.prov.cleanup(opts)

	r.mu.Lock()
	if r.current == e {
		r.current = nil
	}
	r.mu.Unlock()

	if e.killed.Load() {
		return
	}
	if err == nil {
		e.guard.complete(e.requestID)
		return
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			e.guard.fail(fmt.Sprintf("CLI killed by signal %s", status.Signal()), e.requestID)
			return
		}
		e.guard.fail(fmt.Sprintf("CLI exited with code %d", exitErr.ExitCode()), e.requestID)
		return
	}
	e.guard.fail(fmt.Sprintf("CLI failed: %v", err), e.requestID)
}
