package runner

import (
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"
)

// shellProvider runs a shell snippet and forwards every stdout line as a
// chunk. It stands in for the real CLI providers in base-runner tests.
type shellProvider struct {
	script  string
	cleaned chan struct{}
}

func newShellProvider(script string) *shellProvider {
	return &shellProvider{script: script, cleaned: make(chan struct{}, 8)}
}

func (p *shellProvider) name() string { return "shell" }

// command prefers a per-run script in opts.Prompt over the provider default,
// letting one runner execute different scripts across runs.
func (p *shellProvider) command(opts Options) (*exec.Cmd, []byte, error) {
	script := p.script
	if opts.Prompt != "" {
		script = opts.Prompt
	}
	return exec.Command("sh", "-c", script), nil, nil
}

func (p *shellProvider) parseLine(line []byte, opts Options, h Handlers) {
	h.OnChunk(string(line), opts.RequestID, false)
}

func (p *shellProvider) cleanup(Options) {
	select {
	case p.cleaned <- struct{}{}:
	default:
	}
}

func waitTerminal(t *testing.T, rec *eventRecorder) {
	t.Helper()
	select {
	case <-rec.done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for a terminal event")
	}
}

func TestProcessRunnerCompleteOnZeroExit(t *testing.T) {
	prov := newShellProvider(`printf 'one\ntwo\n'`)
	r := NewProcessRunner(prov, 30*time.Second)
	rec := newEventRecorder()

	r.Run(Options{RequestID: "r1"}, rec.handlers())
	waitTerminal(t, rec)

	chunks, completes, errs := rec.snapshot()
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(completes) != 1 || completes[0] != "r1" {
		t.Fatalf("expected complete for r1, got %v", completes)
	}
	if strings.Join(chunks, ",") != "one,two" {
		t.Fatalf("expected ordered chunks, got %v", chunks)
	}
}

func TestProcessRunnerDeliversAllChunksBeforeComplete(t *testing.T) {
	prov := newShellProvider(`seq 1 500`)
	r := NewProcessRunner(prov, 30*time.Second)
	rec := newEventRecorder()

	r.Run(Options{RequestID: "r1"}, rec.handlers())
	waitTerminal(t, rec)

	chunks, completes, errs := rec.snapshot()
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(completes) != 1 {
		t.Fatalf("expected one complete, got %v", completes)
	}
	if len(chunks) != 500 {
		t.Fatalf("expected 500 chunks before the terminal event, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		if chunk != strconv.Itoa(i+1) {
			t.Fatalf("chunk %d out of order: %q", i, chunk)
		}
	}
}

func TestProcessRunnerErrorOnNonZeroExit(t *testing.T) {
	prov := newShellProvider(`exit 3`)
	r := NewProcessRunner(prov, 30*time.Second)
	rec := newEventRecorder()

	r.Run(Options{RequestID: "r1"}, rec.handlers())
	waitTerminal(t, rec)

	_, completes, errs := rec.snapshot()
	if len(completes) != 0 {
		t.Fatalf("unexpected completes: %v", completes)
	}
	if len(errs) != 1 || errs[0] != "CLI exited with code 3" {
		t.Fatalf("expected exit-code error, got %v", errs)
	}
}

func TestProcessRunnerKillSuppressesEvents(t *testing.T) {
	prov := newShellProvider(`sleep 30`)
	r := NewProcessRunner(prov, 60*time.Second)
	rec := newEventRecorder()

	r.Run(Options{RequestID: "r1"}, rec.handlers())
	time.Sleep(100 * time.Millisecond)
	r.Kill()
	r.Kill() // idempotent

	select {
	case <-prov.cleaned:
	case <-time.After(10 * time.Second):
		t.Fatal("cleanup never ran after kill")
	}
	// Give any stray terminal event a moment to surface.
	time.Sleep(100 * time.Millisecond)
	chunks, completes, errs := rec.snapshot()
	if len(chunks) != 0 || len(completes) != 0 || len(errs) != 0 {
		t.Fatalf("killed execution emitted events: %v %v %v", chunks, completes, errs)
	}
}

func TestProcessRunnerTimeout(t *testing.T) {
	prov := newShellProvider(`sleep 30`)
	r := NewProcessRunner(prov, 200*time.Millisecond)
	rec := newEventRecorder()

	r.Run(Options{RequestID: "r1"}, rec.handlers())
	waitTerminal(t, rec)

	_, completes, errs := rec.snapshot()
	if len(completes) != 0 {
		t.Fatalf("unexpected completes: %v", completes)
	}
	if len(errs) != 1 || errs[0] != "Process timed out" {
		t.Fatalf("expected timeout error, got %v", errs)
	}
}

func TestProcessRunnerDisposed(t *testing.T) {
	prov := newShellProvider(`printf 'x\n'`)
	r := NewProcessRunner(prov, 30*time.Second)
	r.Dispose()

	rec := newEventRecorder()
	r.Run(Options{RequestID: "r1"}, rec.handlers())
	waitTerminal(t, rec)

	chunks, completes, errs := rec.snapshot()
	if len(chunks) != 0 || len(completes) != 0 {
		t.Fatalf("disposed runner produced output: %v %v", chunks, completes)
	}
	if len(errs) != 1 || errs[0] != DisposedMessage {
		t.Fatalf("expected disposed error, got %v", errs)
	}
}

func TestProcessRunnerSecondRunKillsFirst(t *testing.T) {
	prov := newShellProvider(``)
	r := NewProcessRunner(prov, 60*time.Second)
	first := newEventRecorder()
	r.Run(Options{RequestID: "r1", Prompt: `sleep 30`}, first.handlers())
	time.Sleep(100 * time.Millisecond)

	second := newEventRecorder()
	r.Run(Options{RequestID: "r2", Prompt: `printf 'fresh\n'`}, second.handlers())
	waitTerminal(t, second)

	chunks, completes, _ := second.snapshot()
	if len(completes) != 1 || completes[0] != "r2" {
		t.Fatalf("expected second run to complete, got %v", completes)
	}
	if strings.Join(chunks, ",") != "fresh" {
		t.Fatalf("unexpected chunks: %v", chunks)
	}

	// The first run's terminal event is suppressed by the kill.
	fChunks, fCompletes, fErrs := first.snapshot()
	if len(fChunks) != 0 || len(fCompletes) != 0 || len(fErrs) != 0 {
		t.Fatalf("first execution emitted events after replacement: %v %v %v", fChunks, fCompletes, fErrs)
	}
}

func TestSessionWorkDirRejectsTraversal(t *testing.T) {
	if _, err := sessionWorkDir("bridge-ws-test-sessions", "../escape"); err == nil {
		t.Fatal("traversal project id accepted")
	}
	if _, err := sessionWorkDir("bridge-ws-test-sessions", "."); err == nil {
		t.Fatal("dot project id accepted")
	}
	dir, err := sessionWorkDir("bridge-ws-test-sessions", "proj-1")
	if err != nil {
		t.Fatalf("valid project id rejected: %v", err)
	}
	if !strings.Contains(dir, "bridge-ws-test-sessions") {
		t.Fatalf("unexpected dir: %s", dir)
	}
}
