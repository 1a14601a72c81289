// Package protocol implements the bridge-ws wire protocol: validation of
// inbound client frames and serialization of outbound server frames.
//
// Inbound frames are UTF-8 text frames carrying a single JSON object with a
// "type" discriminator. Validation is ordered so that the first violated rule
// determines the error message surfaced to the client.
package protocol

import (
	"errors"
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

const (
	// MaxPromptBytes caps the prompt text, measured as UTF-8 bytes.
	MaxPromptBytes = 512 * 1024

	// MaxSystemPromptBytes caps the optional system prompt.
	MaxSystemPromptBytes = 64 * 1024

	// MaxProjectIDLength caps the optional project identifier.
	MaxProjectIDLength = 128

	// MaxImages caps the number of attached images per prompt.
	MaxImages = 4

	// MaxImageDataBytes caps a single image's base64 payload.
	MaxImageDataBytes = 10 * 1024 * 1024

	// maxTypeEcho bounds how much of an unknown type value is echoed back.
	maxTypeEcho = 50
)

// Provider identifies a backend class of assistant.
type Provider string

const (
	// ProviderClaude is the subprocess-backed agent assistant.
	ProviderClaude Provider = "claude"
	// ProviderCodex is the subprocess-backed coding assistant.
	ProviderCodex Provider = "codex"
	// ProviderOllama is the HTTP-streamed local model server.
	ProviderOllama Provider = "ollama"
)

// projectIDPattern restricts project identifiers to path-safe characters.
var projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// allowedImageTypes enumerates the accepted image media types.
var allowedImageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

// Image is one attached image: a media type and its base64 payload.
type Image struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Prompt is a validated prompt frame.
type Prompt struct {
	Prompt         string
	RequestID      string
	Provider       Provider
	Model          string
	SystemPrompt   string
	ProjectID      string
	ThinkingTokens *int
	Images         []Image
}

// Cancel is a validated cancel frame.
type Cancel struct {
	RequestID string
}

// Message is the result of parsing one inbound frame: exactly one of Prompt
// or Cancel is non-nil.
type Message struct {
	Prompt *Prompt
	Cancel *Cancel
}

// Parse validates an inbound text frame. The returned error's message is the
// human-readable string sent back to the client verbatim.
func Parse(data []byte) (*Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("Invalid JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, errors.New("Message must be a JSON object")
	}
	msgType := root.Get("type")
	if msgType.Type != gjson.String {
		return nil, errors.New("Missing or invalid 'type' field")
	}

	switch msgType.Str {
	case "prompt":
		prompt, err := parsePrompt(root)
		if err != nil {
			return nil, err
		}
		return &Message{Prompt: prompt}, nil
	case "cancel":
		requestID := root.Get("requestId")
		if requestID.Type != gjson.String || requestID.Str == "" {
			return nil, errors.New("Missing or empty 'requestId' field in cancel message")
		}
		return &Message{Cancel: &Cancel{RequestID: requestID.Str}}, nil
	default:
		echo := msgType.Str
		if len(echo) > maxTypeEcho {
			// Back up to a rune boundary so the echo stays valid UTF-8.
			cut := maxTypeEcho
			for cut > 0 && !utf8.RuneStart(echo[cut]) {
				cut--
			}
			echo = echo[:cut]
		}
		return nil, fmt.Errorf("Unknown message type: %s", echo)
	}
}

func parsePrompt(root gjson.Result) (*Prompt, error) {
	promptField := root.Get("prompt")
	if promptField.Type != gjson.String || promptField.Str == "" {
		return nil, errors.New("Missing or empty 'prompt' field")
	}
	if len(promptField.Str) > MaxPromptBytes {
		return nil, fmt.Errorf("Prompt exceeds maximum length of %d bytes", MaxPromptBytes)
	}

	requestID := root.Get("requestId")
	if requestID.Type != gjson.String || requestID.Str == "" {
		return nil, errors.New("Missing or empty 'requestId' field")
	}

	out := &Prompt{
		Prompt:    promptField.Str,
		RequestID: requestID.Str,
		Provider:  ProviderClaude,
	}

	if sys := root.Get("systemPrompt"); sys.Exists() && sys.Type == gjson.String {
		if len(sys.Str) > MaxSystemPromptBytes {
			return nil, fmt.Errorf("System prompt exceeds maximum length of %d bytes", MaxSystemPromptBytes)
		}
		out.SystemPrompt = sys.Str
	}

	if project := root.Get("projectId"); project.Exists() && project.Type == gjson.String {
		if len(project.Str) > MaxProjectIDLength {
			return nil, fmt.Errorf("Invalid 'projectId': must be %d characters or fewer", MaxProjectIDLength)
		}
		if !projectIDPattern.MatchString(project.Str) {
			return nil, errors.New("Invalid 'projectId': only letters, digits, '.', '_' and '-' are allowed")
		}
		out.ProjectID = project.Str
	}

	if provider := root.Get("provider"); provider.Exists() && provider.Type == gjson.String {
		switch Provider(provider.Str) {
		case ProviderClaude, ProviderCodex, ProviderOllama:
			out.Provider = Provider(provider.Str)
		default:
			return nil, fmt.Errorf("Invalid provider: %s. Supported providers: claude, codex, ollama", provider.Str)
		}
	}

	if model := root.Get("model"); model.Exists() && model.Type == gjson.String {
		out.Model = model.Str
	}

	if tokens := root.Get("thinkingTokens"); tokens.Exists() && tokens.Type == gjson.Number && tokens.Num >= 0 {
		n := int(tokens.Int())
		out.ThinkingTokens = &n
	}

	if images := root.Get("images"); images.Exists() && images.IsArray() {
		parsed, err := parseImages(images)
		if err != nil {
			return nil, err
		}
		out.Images = parsed
	}

	return out, nil
}

func parseImages(images gjson.Result) ([]Image, error) {
	elems := images.Array()
	if len(elems) == 0 {
		return nil, nil
	}
	if len(elems) > MaxImages {
		return nil, fmt.Errorf("Too many images: maximum is %d", MaxImages)
	}
	out := make([]Image, 0, len(elems))
	for i, elem := range elems {
		if !elem.IsObject() {
			return nil, fmt.Errorf("Invalid image at index %d", i)
		}
		mediaType := elem.Get("media_type")
		data := elem.Get("data")
		if mediaType.Type != gjson.String || data.Type != gjson.String {
			return nil, fmt.Errorf("Invalid image at index %d", i)
		}
		if !allowedImageTypes[mediaType.Str] {
			return nil, fmt.Errorf("Unsupported image media type: %s", mediaType.Str)
		}
		if len(data.Str) > MaxImageDataBytes {
			return nil, fmt.Errorf("Image at index %d exceeds maximum size of %d bytes", i, MaxImageDataBytes)
		}
		out = append(out, Image{MediaType: mediaType.Str, Data: data.Str})
	}
	return out, nil
}
