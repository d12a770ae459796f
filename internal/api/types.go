package api

import (
	"github.com/samcharles93/nnxlm/internal/model"
	"github.com/samcharles93/nnxlm/internal/session"
)

// ModelInfo describes the served model.
type ModelInfo struct {
	Object     string       `json:"object"`
	Config     model.Config `json:"config"`
	RotaryDims int          `json:"rotary_dims"`
	GroupSize  int          `json:"group_size"`
	Tied       bool         `json:"tied_embeddings"`
}

// CreateSessionRequest is the body of POST /v1/sessions. The body is
// optional.
type CreateSessionRequest struct {
	MaxContext int `json:"max_context,omitempty"`
}

// SessionResponse wraps session.Info with an object tag.
type SessionResponse struct {
	Object string `json:"object"`
	session.Info
}

// SessionList is the body of GET /v1/sessions.
type SessionList struct {
	Object string            `json:"object"`
	Data   []SessionResponse `json:"data"`
}

// ForwardRequest feeds token ids to a session.
type ForwardRequest struct {
	Tokens []int `json:"tokens"`
	// AllPositions returns logits for every supplied token instead of only
	// the last one.
	AllPositions bool `json:"all_positions,omitempty"`
}

// ForwardResponse carries logits as [position][vocab].
type ForwardResponse struct {
	Object    string      `json:"object"`
	SessionID string      `json:"session_id"`
	Start     int         `json:"start"`
	Position  int         `json:"position"`
	Logits    [][]float32 `json:"logits"`
	// Argmax holds the highest-scoring vocabulary index of each logits row.
	Argmax    []int   `json:"argmax"`
	ElapsedMS float64 `json:"elapsed_ms"`
}

// DeleteResponse confirms removal.
type DeleteResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

// ErrorBody is the error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a failed request.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
