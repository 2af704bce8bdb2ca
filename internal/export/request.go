// Package export is the collaborator boundary of the orchestration core:
// it owns the structure of the opaque request payload and the contracts
// for data fetch, field masking, and output sinks. Nothing outside this
// package interprets payload bytes.
package export

import (
	"encoding/json"
	"fmt"
)

// Format names accepted for the output stream.
const (
	FormatJSON = "JSON"
	FormatCSV  = "CSV"
)

// Request carries the parameters the chunk loop needs. It travels as an
// opaque JSON blob on the job row.
type Request struct {
	StartDate    string         `json:"start_date,omitempty"`
	EndDate      string         `json:"end_date,omitempty"`
	Format       string         `json:"format,omitempty"`
	ChunkSize    int64          `json:"chunk_size,omitempty"`
	TargetSystem string         `json:"target_system,omitempty"`
	Filters      map[string]any `json:"filters,omitempty"`
}

// DecodeRequest parses a stored payload. An empty payload decodes to the
// zero request; callers fill in defaults.
func DecodeRequest(payload json.RawMessage) (Request, error) {
	if len(payload) == 0 {
		return Request{}, nil
	}
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return Request{}, fmt.Errorf("decode export request: %w", err)
	}
	return req, nil
}

// Encode serializes the request back into payload form.
func (r Request) Encode() (json.RawMessage, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode export request: %w", err)
	}
	return raw, nil
}

// DependentPayload builds the payload for a dependency-triggered job: the
// parent's request carried over with the rule's chunk-size override
// applied when set.
func DependentPayload(parent json.RawMessage, chunkSize int64) (json.RawMessage, error) {
	req, err := DecodeRequest(parent)
	if err != nil {
		return nil, err
	}
	if chunkSize > 0 {
		req.ChunkSize = chunkSize
	}
	return req.Encode()
}
