package runner

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/jeffnash/bridge-ws/internal/config"
)

// claudeCredentialKeys are propagated to the claude CLI on top of the base
// environment allowlist.
var claudeCredentialKeys = []string{
	"ANTHROPIC_API_KEY",
	"ANTHROPIC_AUTH_TOKEN",
	"ANTHROPIC_BASE_URL",
}

// claudeProvider drives the claude CLI in streaming JSON mode.
type claudeProvider struct {
	cfg           config.ClaudeConfig
	sessionSubdir string
}

// NewClaude returns a subprocess runner for the claude CLI provider.
func NewClaude(cfg config.ClaudeConfig, sessionSubdir string, timeout time.Duration) Runner {
	return NewProcessRunner(&claudeProvider{cfg: cfg, sessionSubdir: sessionSubdir}, timeout)
}

func (p *claudeProvider) name() string { return "claude" }

func (p *claudeProvider) command(opts Options) (*exec.Cmd, []byte, error) {
	bin := p.cfg.BinaryPath
	if bin == "" {
		bin = "claude"
	}

	args := []string{"--print", "--verbose", "--output-format", "stream-json"}
	if p.cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(p.cfg.MaxTurns))
	}
	if p.cfg.Tools != nil {
		// An empty list is meaningful: it disables tools entirely.
		args = append(args, "--tools", strings.Join(p.cfg.Tools, ","))
	}
	if len(opts.Images) > 0 {
		args = append(args, "--input-format", "stream-json")
	}
	if opts.ProjectID != "" {
		args = append(args, "--continue")
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	args = append(args, "-")

	cmd := exec.Command(bin, args...)

	extra := map[string]string{}
	if opts.ThinkingTokens != nil {
		extra["MAX_THINKING_TOKENS"] = strconv.Itoa(*opts.ThinkingTokens)
	}
	cmd.Env = buildEnv(claudeCredentialKeys, extra)

	if opts.ProjectID != "" {
		dir, err := sessionWorkDir(p.sessionSubdir, opts.ProjectID)
		if err != nil {
			return nil, nil, err
		}
		cmd.Dir = dir
	}

	stdin, err := claudeStdin(opts)
	if err != nil {
		return nil, nil, err
	}
	return cmd, stdin, nil
}

// claudeStdin produces the bytes written to the CLI: the raw prompt, or a
// single stream-json user message when images are attached.
func claudeStdin(opts Options) ([]byte, error) {
	if len(opts.Images) == 0 {
		return []byte(opts.Prompt), nil
	}

	payload := []byte(`{"type":"user","message":{"role":"user","content":[]}}`)
	var err error
	for i, img := range opts.Images {
		payload, err = sjson.SetBytes(payload, fmt.Sprintf("message.content.%d", i), map[string]any{
			"type": "image",
			"source": map[string]any{
				"type":       "base64",
				"media_type": img.MediaType,
				"data":       img.Data,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("Failed to encode image input: %v", err)
		}
	}
	payload, err = sjson.SetBytes(payload, fmt.Sprintf("message.content.%d", len(opts.Images)), map[string]any{
		"type": "text",
		"text": opts.Prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("Failed to encode image input: %v", err)
	}
	return append(payload, '\n'), nil
}

// parseLine interprets one stream-json event. Raw deltas, wrapped stream
// events and assembled assistant messages all produce chunks; every other
// event type is ignored. The result event is deliberately skipped: the exit
// code is the terminal signal and its content is redundant.
func (p *claudeProvider) parseLine(line []byte, opts Options, h Handlers) {
	if !gjson.ValidBytes(line) {
		return
	}
	emitClaudeEvent(gjson.ParseBytes(line), opts.RequestID, h)
}

func emitClaudeEvent(event gjson.Result, requestID string, h Handlers) {
	switch event.Get("type").Str {
	case "content_block_delta":
		delta := event.Get("delta")
		switch delta.Get("type").Str {
		case "text_delta":
			if text := delta.Get("text"); text.Type == gjson.String {
				h.OnChunk(text.Str, requestID, false)
			}
		case "thinking_delta":
			if thinking := delta.Get("thinking"); thinking.Type == gjson.String {
				h.OnChunk(thinking.Str, requestID, true)
			}
		}
	case "stream_event":
		emitClaudeEvent(event.Get("event"), requestID, h)
	case "assistant":
		event.Get("message.content").ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").Str {
			case "text":
				if text := block.Get("text"); text.Type == gjson.String && text.Str != "" {
					h.OnChunk(text.Str, requestID, false)
				}
			case "thinking":
				if thinking := block.Get("thinking"); thinking.Type == gjson.String && thinking.Str != "" {
					h.OnChunk(thinking.Str, requestID, true)
				}
			}
			return true
		})
	}
}

func (p *claudeProvider) cleanup(Options) {}
