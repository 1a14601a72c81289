package runner

import (
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/jeffnash/bridge-ws/internal/config"
)

const (
	// codexImageSubdir holds decoded image attachments under the OS temp dir.
	codexImageSubdir = "bridge-ws-codex-images"

	maxSanitizedIDLength = 64
	maxImageExtLength    = 10
)

// codexCredentialKeys are propagated to the codex CLI on top of the base
// environment allowlist.
var codexCredentialKeys = []string{
	"OPENAI_API_KEY",
	"CODEX_API_KEY",
	"CODEX_HOME",
}

var (
	unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)
	nonAlnumChars = regexp.MustCompile(`[^A-Za-z0-9]`)
)

// codexProvider drives the codex CLI. It captures the thread id announced by
// the CLI so that later project-scoped requests on the same runner resume
// the conversation instead of starting a new one.
type codexProvider struct {
	cfg           config.CodexConfig
	sessionSubdir string

	mu       sync.Mutex
	threadID string
	// tempFiles is keyed by request id so that a killed execution's cleanup
	// cannot remove files belonging to the run that replaced it.
	tempFiles map[string][]string
}

// NewCodex returns a subprocess runner for the codex CLI provider.
func NewCodex(cfg config.CodexConfig, sessionSubdir string, timeout time.Duration) Runner {
	return NewProcessRunner(&codexProvider{cfg: cfg, sessionSubdir: sessionSubdir}, timeout)
}

func (p *codexProvider) name() string { return "codex" }

func (p *codexProvider) command(opts Options) (*exec.Cmd, []byte, error) {
	bin := p.cfg.BinaryPath
	if bin == "" {
		bin = "codex"
	}

	p.mu.Lock()
	threadID := p.threadID
	p.mu.Unlock()
	resume := threadID != "" && opts.ProjectID != ""

	var args []string
	if resume {
		args = []string{"exec", "resume", threadID, "--json", "--full-auto", "--skip-git-repo-check"}
	} else {
		args = []string{"exec", "--json", "--full-auto", "--skip-git-repo-check"}
		if opts.Model != "" {
			args = append(args, "--model", opts.Model)
		}
	}

	if len(opts.Images) > 0 {
		paths, err := p.writeImageFiles(opts)
		if err != nil {
			return nil, nil, err
		}
		for _, path := range paths {
			args = append(args, "-i", path)
		}
	}
	args = append(args, "-")

	cmd := exec.Command(bin, args...)
	cmd.Env = buildEnv(codexCredentialKeys, nil)

	if opts.ProjectID != "" {
		dir, err := sessionWorkDir(p.sessionSubdir, opts.ProjectID)
		if err != nil {
			return nil, nil, err
		}
		cmd.Dir = dir
	}

	// Codex has no system prompt flag; it is concatenated in-band.
	stdin := opts.Prompt
	if opts.SystemPrompt != "" {
		stdin = opts.SystemPrompt + "\n\n---\n\n" + opts.Prompt
	}
	return cmd, []byte(stdin), nil
}

// writeImageFiles decodes base64 attachments to temp files and records them
// for cleanup. File names derive from the sanitized request id and the image
// subtype.
func (p *codexProvider) writeImageFiles(opts Options) ([]string, error) {
	dir := filepath.Join(os.TempDir(), codexImageSubdir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("Failed to prepare image directory: %v", err)
	}

	sanitized := sanitizeRequestID(opts.RequestID)
	paths := make([]string, 0, len(opts.Images))
	for i, img := range opts.Images {
		decoded, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			p.removeFiles(paths)
			return nil, fmt.Errorf("Invalid base64 image data at index %d", i)
		}
		path := filepath.Join(dir, fmt.Sprintf("%s-%d.%s", sanitized, i, imageExtension(img.MediaType)))
		if err := os.WriteFile(path, decoded, 0o600); err != nil {
			p.removeFiles(paths)
			return nil, fmt.Errorf("Failed to write image file: %v", err)
		}
		paths = append(paths, path)
	}

	p.mu.Lock()
	if p.tempFiles == nil {
		p.tempFiles = make(map[string][]string)
	}
	p.tempFiles[opts.RequestID] = append(p.tempFiles[opts.RequestID], paths...)
	p.mu.Unlock()
	return paths, nil
}

func (p *codexProvider) removeFiles(paths []string) {
	for _, path := range paths {
		_ = os.Remove(path)
	}
}

// sanitizeRequestID makes a request id safe for use in a file name.
func sanitizeRequestID(id string) string {
	sanitized := unsafeIDChars.ReplaceAllString(id, "_")
	if len(sanitized) > maxSanitizedIDLength {
		sanitized = sanitized[:maxSanitizedIDLength]
	}
	return sanitized
}

// imageExtension derives a file extension from an image media type,
// defaulting to png.
func imageExtension(mediaType string) string {
	subtype := mediaType
	if idx := strings.Index(mediaType, "/"); idx >= 0 {
		subtype = mediaType[idx+1:]
	}
	ext := nonAlnumChars.ReplaceAllString(subtype, "")
	if len(ext) > maxImageExtLength {
		ext = ext[:maxImageExtLength]
	}
	if ext == "" {
		ext = "png"
	}
	return ext
}

// parseLine interprets one codex JSON event line.
func (p *codexProvider) parseLine(line []byte, opts Options, h Handlers) {
	if !gjson.ValidBytes(line) {
		return
	}
	event := gjson.ParseBytes(line)
	switch event.Get("type").Str {
	case "thread.started":
		if threadID := event.Get("thread_id"); threadID.Type == gjson.String && threadID.Str != "" {
			p.mu.Lock()
			p.threadID = threadID.Str
			p.mu.Unlock()
		}
	case "item.completed":
		item := event.Get("item")
		text := item.Get("text")
		if text.Type != gjson.String || text.Str == "" {
			return
		}
		switch item.Get("type").Str {
		case "agent_message":
			h.OnChunk(text.Str, opts.RequestID, false)
		case "reasoning":
			h.OnChunk(text.Str, opts.RequestID, true)
		}
	case "turn.failed":
		message := event.Get("error.message").Str
		if message == "" {
			message = "Codex turn failed"
		}
		h.OnError(message, opts.RequestID)
	case "error":
		message := event.Get("message").Str
		if message == "" {
			message = event.Get("error.message").Str
		}
		if message == "" {
			message = "Codex reported an error"
		}
		h.OnError(message, opts.RequestID)
	}
}

// cleanup unlinks the temp image files recorded for this execution's request,
// regardless of how the execution ended. Files written by other requests on
// the same runner are left alone.
func (p *codexProvider) cleanup(opts Options) {
	p.mu.Lock()
	files := p.tempFiles[opts.RequestID]
	delete(p.tempFiles, opts.RequestID)
	p.mu.Unlock()
	p.removeFiles(files)
}
