package runner

import (
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/jeffnash/bridge-ws/internal/config"
	"github.com/jeffnash/bridge-ws/internal/protocol"
)

func claudeArgs(t *testing.T, cfg config.ClaudeConfig, opts Options) []string {
	t.Helper()
	p := &claudeProvider{cfg: cfg, sessionSubdir: "bridge-ws-test-sessions"}
	cmd, _, err := p.command(opts)
	if err != nil {
		t.Fatalf("command failed: %v", err)
	}
	return cmd.Args[1:]
}

func TestClaudeBaseArgs(t *testing.T) {
	args := claudeArgs(t, config.ClaudeConfig{}, Options{Prompt: "hi", RequestID: "r1"})
	want := "--print --verbose --output-format stream-json -"
	if got := strings.Join(args, " "); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestClaudeOptionalArgs(t *testing.T) {
	cfg := config.ClaudeConfig{MaxTurns: 5, Tools: []string{}}
	opts := Options{
		Prompt:       "hi",
		RequestID:    "r1",
		Model:        "opus",
		SystemPrompt: "be brief",
		ProjectID:    "proj1",
		Images:       []protocol.Image{{MediaType: "image/png", Data: "aGk="}},
	}
	got := strings.Join(claudeArgs(t, cfg, opts), " ")

	for _, fragment := range []string{
		"--max-turns 5",
		"--tools ",
		"--input-format stream-json",
		"--continue",
		"--model opus",
		"--append-system-prompt be brief",
	} {
		if !strings.Contains(got, fragment) {
			t.Fatalf("expected args to contain %q, got %q", fragment, got)
		}
	}
	if !strings.HasSuffix(got, " -") {
		t.Fatalf("expected trailing stdin marker, got %q", got)
	}
}

func TestClaudeThinkingTokensEnv(t *testing.T) {
	budget := 4096
	p := &claudeProvider{sessionSubdir: "bridge-ws-test-sessions"}
	cmd, _, err := p.command(Options{Prompt: "hi", RequestID: "r1", ThinkingTokens: &budget})
	if err != nil {
		t.Fatalf("command failed: %v", err)
	}
	found := false
	for _, kv := range cmd.Env {
		if kv == "MAX_THINKING_TOKENS=4096" {
			found = true
		}
		if strings.HasPrefix(kv, "GOPATH=") {
			t.Fatalf("non-allowlisted variable leaked into child env: %s", kv)
		}
	}
	if !found {
		t.Fatal("MAX_THINKING_TOKENS missing from child env")
	}
}

func TestClaudeStdinPlainPrompt(t *testing.T) {
	stdin, err := claudeStdin(Options{Prompt: "just text"})
	if err != nil {
		t.Fatal(err)
	}
	if string(stdin) != "just text" {
		t.Fatalf("expected raw prompt, got %q", stdin)
	}
}

func TestClaudeStdinWithImages(t *testing.T) {
	stdin, err := claudeStdin(Options{
		Prompt: "describe",
		Images: []protocol.Image{{MediaType: "image/png", Data: "aGk="}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(string(stdin), "\n") {
		t.Fatal("stdin message must be newline terminated")
	}
	doc := gjson.ParseBytes(stdin)
	if doc.Get("type").Str != "user" || doc.Get("message.role").Str != "user" {
		t.Fatalf("unexpected envelope: %s", stdin)
	}
	content := doc.Get("message.content").Array()
	if len(content) != 2 {
		t.Fatalf("expected image block + text block, got %d blocks", len(content))
	}
	if content[0].Get("type").Str != "image" || content[0].Get("source.media_type").Str != "image/png" || content[0].Get("source.data").Str != "aGk=" {
		t.Fatalf("unexpected image block: %s", content[0].Raw)
	}
	if content[1].Get("type").Str != "text" || content[1].Get("text").Str != "describe" {
		t.Fatalf("unexpected text block: %s", content[1].Raw)
	}
}

func TestClaudeParseLineEvents(t *testing.T) {
	p := &claudeProvider{}
	rec := newEventRecorder()
	opts := Options{RequestID: "r1"}

	lines := []string{
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}`,
		`{"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":"mull"}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"!"},{"type":"thinking","thinking":"done"}]}}`,
		`{"type":"result","result":"ignored"}`,
		`not json at all`,
	}
	for _, line := range lines {
		p.parseLine([]byte(line), opts, rec.handlers())
	}

	chunks, completes, errs := rec.snapshot()
	if len(completes) != 0 || len(errs) != 0 {
		t.Fatalf("line parser must not emit terminal events: %v %v", completes, errs)
	}
	if strings.Join(chunks, "|") != "Hel|mull|lo|!|done" {
		t.Fatalf("unexpected chunks: %v", chunks)
	}
	rec.mu.Lock()
	thinking := append([]bool(nil), rec.thinking...)
	rec.mu.Unlock()
	want := []bool{false, true, false, false, true}
	for i := range want {
		if thinking[i] != want[i] {
			t.Fatalf("chunk %d thinking flag: expected %v, got %v", i, want[i], thinking[i])
		}
	}
}
