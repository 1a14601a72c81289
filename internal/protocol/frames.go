package protocol

import "encoding/json"

// ProtocolVersion is advertised in the connected frame.
const ProtocolVersion = "2.0"

// Connected is the first frame sent on every admitted connection.
type Connected struct {
	Type    string `json:"type"`
	Version string `json:"version"`
	Agent   string `json:"agent"`
}

// Chunk carries one partial response fragment for a request.
type Chunk struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	RequestID string `json:"requestId"`
	Thinking  bool   `json:"thinking,omitempty"`
}

// Complete is the success terminal frame for a request.
type Complete struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

// Error reports a failure. RequestID is empty for connection-scoped errors
// and omitted from the encoding.
type Error struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// NewConnected builds the handshake frame for the given agent identity.
func NewConnected(agent string) Connected {
	return Connected{Type: "connected", Version: ProtocolVersion, Agent: agent}
}

// NewChunk builds a chunk frame.
func NewChunk(content, requestID string, thinking bool) Chunk {
	return Chunk{Type: "chunk", Content: content, RequestID: requestID, Thinking: thinking}
}

// NewComplete builds the success terminal frame.
func NewComplete(requestID string) Complete {
	return Complete{Type: "complete", RequestID: requestID}
}

// NewError builds an error frame. Pass an empty requestID for
// connection-scoped errors.
func NewError(message, requestID string) Error {
	return Error{Type: "error", Message: message, RequestID: requestID}
}

// Encode serializes any outbound frame. Marshal cannot fail for the frame
// types above, so the error is swallowed and a nil slice signals a bug.
func Encode(frame any) []byte {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil
	}
	return data
}
