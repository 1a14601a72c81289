// Package runner implements the provider execution layer of the gateway: a
// common runner contract, a subprocess base shared by the CLI-backed
// providers, and an HTTP NDJSON streaming runner.
package runner

import (
	"sync"

	"github.com/jeffnash/bridge-ws/internal/protocol"
)

// DisposedMessage is delivered when Run is called on a disposed runner.
const DisposedMessage = "Runner has been disposed"

// Options describes a single execution.
type Options struct {
	// Prompt is the user prompt text.
	Prompt string

	// RequestID correlates every emitted event with the originating request.
	RequestID string

	// Model optionally overrides the provider's default model.
	Model string

	// SystemPrompt optionally prepends system instructions.
	SystemPrompt string

	// ProjectID optionally scopes the execution to a session working
	// directory, persisting provider-side state across requests.
	ProjectID string

	// ThinkingTokens optionally budgets extended thinking (claude only).
	ThinkingTokens *int

	// Images are ordered attachments, already validated by the protocol
	// layer.
	Images []protocol.Image
}

// Handlers receives execution events. For a single execution, zero or more
// OnChunk calls precede exactly one terminal OnComplete or OnError, except
// when the execution is killed by cancellation: the cancel path owns the
// terminal event and the runner emits nothing further.
type Handlers struct {
	OnChunk    func(content, requestID string, thinking bool)
	OnComplete func(requestID string)
	OnError    func(message, requestID string)
}

// Runner drives a single backend invocation at a time and reports events
// through Handlers.
//
// Run may only be invoked for one request at a time; a Run issued while a
// prior subprocess execution is still live kills the prior execution first.
// Kill cooperatively stops the current execution and is idempotent. Dispose
// marks the runner terminally unusable; subsequent Run calls report
// DisposedMessage through OnError instead of executing.
type Runner interface {
	Run(opts Options, h Handlers)
	Kill()
	Dispose()
}

// Factory constructs a runner. The server accepts one factory per provider
// as its test seam.
type Factory func() Runner

// eventGuard enforces the once-only terminal event contract for a single
// execution. The cancel path calls suppress, after which nothing fires.
type eventGuard struct {
	mu   sync.Mutex
	done bool
	h    Handlers
}

func (g *eventGuard) chunk(content, requestID string, thinking bool) {
	g.mu.Lock()
	if g.done {
		g.mu.Unlock()
		return
	}
	fn := g.h.OnChunk
	g.mu.Unlock()
	if fn != nil {
		fn(content, requestID, thinking)
	}
}

func (g *eventGuard) complete(requestID string) {
	g.mu.Lock()
	if g.done {
		g.mu.Unlock()
		return
	}
	g.done = true
	fn := g.h.OnComplete
	g.mu.Unlock()
	if fn != nil {
		fn(requestID)
	}
}

func (g *eventGuard) fail(message, requestID string) {
	g.mu.Lock()
	if g.done {
		g.mu.Unlock()
		return
	}
	g.done = true
	fn := g.h.OnError
	g.mu.Unlock()
	if fn != nil {
		fn(message, requestID)
	}
}

// suppress marks the execution finished without emitting anything.
func (g *eventGuard) suppress() {
	g.mu.Lock()
	g.done = true
	g.mu.Unlock()
}

// handlers returns the guarded view handed to provider line parsers.
func (g *eventGuard) handlers() Handlers {
	return Handlers{
		OnChunk:    g.chunk,
		OnComplete: g.complete,
		OnError:    g.fail,
	}
}
