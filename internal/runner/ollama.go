package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	ollamaDefaultBaseURL = "http://127.0.0.1:11434"
	ollamaDefaultModel   = "llama3.2"
	ollamaGeneratePath   = "/api/generate"

	// maxErrorBodyEcho bounds how much of an upstream error body is surfaced.
	maxErrorBodyEcho = 200

	// maxStreamLineBytes bounds a single NDJSON line from the model server.
	maxStreamLineBytes = 1_048_576
)

// httpExecution is the per-run state of an OllamaRunner: the abort handle,
// the once-only event guard, and the timeout.
type httpExecution struct {
	cancel    context.CancelFunc
	guard     *eventGuard
	timer     *time.Timer
	aborted   atomic.Bool
	requestID string
}

// OllamaRunner streams completions from a local model server over HTTP
// NDJSON. It shares no base with the subprocess runners: its resource shape
// is an abortable in-flight request, not a child process.
type OllamaRunner struct {
	mu       sync.Mutex
	baseURL  string
	model    string
	timeout  time.Duration
	client   *http.Client
	current  *httpExecution
	disposed bool
}

// NewOllama returns an HTTP streaming runner. Empty baseURL and defaultModel
// fall back to the local server defaults.
func NewOllama(baseURL, defaultModel string, timeout time.Duration) *OllamaRunner {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = ollamaDefaultBaseURL
	}
	if strings.TrimSpace(defaultModel) == "" {
		defaultModel = ollamaDefaultModel
	}
	return &OllamaRunner{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   defaultModel,
		timeout: timeout,
		client:  &http.Client{},
	}
}

// Run starts one streaming generation. A prior in-flight call is aborted
// first and its events suppressed.
func (r *OllamaRunner) Run(opts Options, h Handlers) {
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
		abortExecution(prior)
		log.WithFields(log.Fields{
			"provider":   "ollama",
			"request_id": opts.RequestID,
			"prior_id":   prior.requestID,
		}).Warn("runner: new run aborted a live request")
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &httpExecution{
		cancel:    cancel,
		guard:     &eventGuard{h: h},
		requestID: opts.RequestID,
	}
	e.timer = time.AfterFunc(r.timeout, func() {
		if e.aborted.Swap(true) {
			return
		}
		e.guard.fail("Request timed out", e.requestID)
		cancel()
	})
	r.current = e
	r.mu.Unlock()

	go r.stream(ctx, e, opts)
}

// Kill aborts the current in-flight call without emitting any event.
// Idempotent; safe when idle.
func (r *OllamaRunner) Kill() {
	r.mu.Lock()
	e := r.current
	r.current = nil
	r.mu.Unlock()
	abortExecution(e)
}

// Dispose marks the runner terminally unusable and aborts any in-flight call.
func (r *OllamaRunner) Dispose() {
	r.mu.Lock()
	r.disposed = true
	e := r.current
	r.current = nil
	r.mu.Unlock()
	abortExecution(e)
}

func abortExecution(e *httpExecution) {
	if e == nil {
		return
	}
	e.timer.Stop()
	e.aborted.Store(true)
	e.guard.suppress()
	e.cancel()
}

// finish releases per-run state after the stream goroutine is done with it.
func (r *OllamaRunner) finish(e *httpExecution) {
	e.timer.Stop()
	r.mu.Lock()
	if r.current == e {
		r.current = nil
	}
	r.mu.Unlock()
}

func (r *OllamaRunner) stream(ctx context.Context, e *httpExecution, opts Options) {
	defer r.finish(e)

	model := opts.Model
	if model == "" {
		model = r.model
	}
	body := []byte(`{"stream":true}`)
	body, _ = sjson.SetBytes(body, "model", model)
	body, _ = sjson.SetBytes(body, "prompt", opts.Prompt)
	if opts.SystemPrompt != "" {
		body, _ = sjson.SetBytes(body, "system", opts.SystemPrompt)
	}

	endpoint := r.baseURL + ollamaGeneratePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		e.guard.fail(fmt.Sprintf("Request failed: %v", err), e.requestID)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	log.WithFields(log.Fields{
		"provider":   "ollama",
		"request_id": e.requestID,
		"model":      model,
		"endpoint":   endpoint,
	}).Debug("ollama: request")

	resp, err := r.client.Do(req)
	if err != nil {
		if e.aborted.Load() || ctx.Err() != nil {
			return
		}
		if errors.Is(err, syscall.ECONNREFUSED) {
			e.guard.fail("Ollama server not reachable at "+r.baseURL, e.requestID)
			return
		}
		e.guard.fail(fmt.Sprintf("Request failed: %v", err), e.requestID)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyEcho))
		e.guard.fail(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(snippet)), e.requestID)
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(nil, maxStreamLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		// Non-JSON lines in the stream are skipped silently.
		if !gjson.ValidBytes(line) {
			continue
		}
		event := gjson.ParseBytes(line)
		if errField := event.Get("error"); errField.Exists() {
			e.guard.fail(errField.String(), e.requestID)
			return
		}
		if event.Get("done").Bool() {
			e.guard.complete(e.requestID)
			return
		}
		if respField := event.Get("response"); respField.Exists() {
			e.guard.chunk(respField.String(), e.requestID, false)
		}
	}

	if e.aborted.Load() || ctx.Err() != nil {
		return
	}
	if err := scanner.Err(); err != nil {
		e.guard.fail(fmt.Sprintf("Stream read failed: %v", err), e.requestID)
		return
	}
	// Stream ended without done:true; treat as a clean completion.
	e.guard.complete(e.requestID)
}
