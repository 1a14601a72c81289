package runner

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jeffnash/bridge-ws/internal/config"
	"github.com/jeffnash/bridge-ws/internal/protocol"
)

func TestCodexNewThreadArgs(t *testing.T) {
	p := &codexProvider{cfg: config.CodexConfig{}, sessionSubdir: "bridge-ws-test-sessions"}
	cmd, stdin, err := p.command(Options{Prompt: "hi", RequestID: "r1", Model: "o4-mini"})
	if err != nil {
		t.Fatalf("command failed: %v", err)
	}
	want := "exec --json --full-auto --skip-git-repo-check --model o4-mini -"
	if got := strings.Join(cmd.Args[1:], " "); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if string(stdin) != "hi" {
		t.Fatalf("expected prompt on stdin, got %q", stdin)
	}
}

func TestCodexResumeArgs(t *testing.T) {
	p := &codexProvider{sessionSubdir: "bridge-ws-test-sessions", threadID: "th-42"}

	// A captured thread id alone is not enough; resume requires a projectId.
	cmd, _, err := p.command(Options{Prompt: "hi", RequestID: "r1", Model: "o4-mini"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(strings.Join(cmd.Args, " "), "resume") {
		t.Fatal("resumed without a projectId")
	}

	cmd, _, err = p.command(Options{Prompt: "hi", RequestID: "r1", Model: "o4-mini", ProjectID: "proj1"})
	if err != nil {
		t.Fatal(err)
	}
	got := strings.Join(cmd.Args[1:], " ")
	if !strings.HasPrefix(got, "exec resume th-42 --json --full-auto --skip-git-repo-check") {
		t.Fatalf("unexpected resume args: %q", got)
	}
	// --model is only valid when starting a new thread.
	if strings.Contains(got, "--model") {
		t.Fatalf("resume must not carry --model: %q", got)
	}
}

func TestCodexSystemPromptInBand(t *testing.T) {
	p := &codexProvider{sessionSubdir: "bridge-ws-test-sessions"}
	_, stdin, err := p.command(Options{Prompt: "user text", RequestID: "r1", SystemPrompt: "rules"})
	if err != nil {
		t.Fatal(err)
	}
	if string(stdin) != "rules\n\n---\n\nuser text" {
		t.Fatalf("unexpected stdin: %q", stdin)
	}
}

func TestCodexImageFilesWrittenAndCleaned(t *testing.T) {
	p := &codexProvider{sessionSubdir: "bridge-ws-test-sessions"}
	payload := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	opts := Options{
		Prompt:    "hi",
		RequestID: "req/with spaces!",
		Images: []protocol.Image{
			{MediaType: "image/png", Data: payload},
			{MediaType: "image/webp", Data: payload},
		},
	}
	cmd, _, err := p.command(opts)
	if err != nil {
		t.Fatalf("command failed: %v", err)
	}

	args := strings.Join(cmd.Args, " ")
	if strings.Count(args, " -i ") != 2 {
		t.Fatalf("expected two -i flags, got %q", args)
	}
	if !strings.HasSuffix(args, " -") {
		t.Fatalf("expected trailing stdin marker, got %q", args)
	}

	var paths []string
	for i, arg := range cmd.Args {
		if arg == "-i" {
			paths = append(paths, cmd.Args[i+1])
		}
	}
	for _, path := range paths {
		base := path[strings.LastIndex(path, "/")+1:]
		if !strings.HasPrefix(base, "req_with_spaces_-") {
			t.Fatalf("request id not sanitized in %q", base)
		}
		if data, errRead := os.ReadFile(path); errRead != nil || string(data) != "png-bytes" {
			t.Fatalf("image file not written correctly: %v", errRead)
		}
	}
	if !strings.HasSuffix(paths[0], ".png") || !strings.HasSuffix(paths[1], ".webp") {
		t.Fatalf("unexpected extensions: %v", paths)
	}

	p.cleanup(opts)
	for _, path := range paths {
		if _, errStat := os.Stat(path); !os.IsNotExist(errStat) {
			t.Fatalf("temp file survived cleanup: %s", path)
		}
	}
}

func TestCodexCleanupScopedToRequest(t *testing.T) {
	p := &codexProvider{sessionSubdir: "bridge-ws-test-sessions"}
	payload := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	image := []protocol.Image{{MediaType: "image/png", Data: payload}}
	optsA := Options{Prompt: "hi", RequestID: "run-a", Images: image}
	optsB := Options{Prompt: "hi", RequestID: "run-b", Images: image}

	if _, _, err := p.command(optsA); err != nil {
		t.Fatal(err)
	}
	if _, _, err := p.command(optsB); err != nil {
		t.Fatal(err)
	}

	pathA := filepath.Join(os.TempDir(), codexImageSubdir, "run-a-0.png")
	pathB := filepath.Join(os.TempDir(), codexImageSubdir, "run-b-0.png")

	// Cleaning up the replaced run must not touch the live run's files.
	p.cleanup(optsA)
	if _, err := os.Stat(pathA); !os.IsNotExist(err) {
		t.Fatalf("run-a file survived its own cleanup: %v", err)
	}
	if _, err := os.Stat(pathB); err != nil {
		t.Fatalf("cleanup removed another run's file: %v", err)
	}

	p.cleanup(optsB)
	if _, err := os.Stat(pathB); !os.IsNotExist(err) {
		t.Fatalf("run-b file survived its own cleanup: %v", err)
	}
}

func TestCodexInvalidImageData(t *testing.T) {
	p := &codexProvider{sessionSubdir: "bridge-ws-test-sessions"}
	_, _, err := p.command(Options{
		Prompt:    "hi",
		RequestID: "r1",
		Images:    []protocol.Image{{MediaType: "image/png", Data: "%%%not-base64%%%"}},
	})
	if err == nil {
		t.Fatal("expected error for invalid base64 data")
	}
	if !strings.Contains(err.Error(), "index 0") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSanitizeRequestID(t *testing.T) {
	if got := sanitizeRequestID("abc_DEF-123"); got != "abc_DEF-123" {
		t.Fatalf("safe id mangled: %q", got)
	}
	if got := sanitizeRequestID("a/b c!"); got != "a_b_c_" {
		t.Fatalf("unexpected sanitization: %q", got)
	}
	long := strings.Repeat("x", 100)
	if got := sanitizeRequestID(long); len(got) != 64 {
		t.Fatalf("expected truncation to 64, got %d", len(got))
	}
}

func TestImageExtension(t *testing.T) {
	cases := map[string]string{
		"image/png":             "png",
		"image/jpeg":            "jpeg",
		"image/svg+xml":         "svgxml",
		"image/":                "png",
		"weird":                 "weird",
		"image/aaaaaaaaaaaaaaa": "aaaaaaaaaa",
	}
	for in, want := range cases {
		if got := imageExtension(in); got != want {
			t.Fatalf("imageExtension(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestCodexParseLineEvents(t *testing.T) {
	p := &codexProvider{}
	rec := newEventRecorder()
	opts := Options{RequestID: "r1"}

	p.parseLine([]byte(`{"type":"thread.started","thread_id":"th-7"}`), opts, rec.handlers())
	if p.threadID != "th-7" {
		t.Fatalf("thread id not captured: %q", p.threadID)
	}

	p.parseLine([]byte(`{"type":"item.completed","item":{"type":"agent_message","text":"answer"}}`), opts, rec.handlers())
	p.parseLine([]byte(`{"type":"item.completed","item":{"type":"reasoning","text":"because"}}`), opts, rec.handlers())
	p.parseLine([]byte(`{"type":"item.completed","item":{"type":"command_execution","text":"ls"}}`), opts, rec.handlers())

	chunks, _, errs := rec.snapshot()
	if strings.Join(chunks, "|") != "answer|because" {
		t.Fatalf("unexpected chunks: %v", chunks)
	}
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	p.parseLine([]byte(`{"type":"turn.failed","error":{"message":"rate limited"}}`), opts, rec.handlers())
	_, _, errs = rec.snapshot()
	if len(errs) != 1 || errs[0] != "rate limited" {
		t.Fatalf("expected turn.failed error, got %v", errs)
	}

	rec2 := newEventRecorder()
	p.parseLine([]byte(`{"type":"turn.failed"}`), opts, rec2.handlers())
	p.parseLine([]byte(`{"type":"error","message":"boom"}`), opts, rec2.handlers())
	p.parseLine([]byte(`{"type":"error","error":{"message":"nested"}}`), opts, rec2.handlers())
	_, _, errs2 := rec2.snapshot()
	if len(errs2) != 3 || errs2[0] != "Codex turn failed" || errs2[1] != "boom" || errs2[2] != "nested" {
		t.Fatalf("unexpected errors: %v", errs2)
	}
}
