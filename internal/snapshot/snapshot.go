// Package snapshot encodes the versioned payloads cached for each recipe page.
//
// A payload is a JSON envelope {"v","kind","status","data","error"} stored as an opaque string.
// Change detection compares payloads byte for byte and never re-parses them, so encoding must
// stay deterministic: the envelope is a struct and data is marshaled once with encoding/json.
package snapshot

import (
	"encoding/json"
	"fmt"

	"github.com/fclairamb/notrition/internal/apperrors"
)

// Version is the current envelope schema version. Bumping it makes every stored payload
// differ, which forces downstream recomputation on the next sync.
const Version = 1

// Kind identifies what a payload holds.
type Kind string

// Payload kinds.
const (
	KindNotion    Kind = "notion"
	KindRecipe    Kind = "recipe"
	KindNutrition Kind = "nutrition"
)

// Status tells whether a payload holds data or an error marker.
type Status string

// Payload statuses.
const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Payload is an encoded snapshot. The zero value means "never computed".
type Payload string

type envelope struct {
	V      int             `json:"v"`
	Kind   Kind            `json:"kind"`
	Status Status          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Encode wraps data into an ok payload of the given kind.
func Encode(kind Kind, data any) (Payload, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode %s snapshot: %w", kind, err)
	}
	return encode(envelope{V: Version, Kind: kind, Status: StatusOK, Data: raw})
}

// EncodeError returns an error marker payload of the given kind.
func EncodeError(kind Kind, cause error) Payload {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	// An envelope of strings and ints always marshals.
	payload, _ := encode(envelope{V: Version, Kind: kind, Status: StatusError, Error: msg})
	return payload
}

func encode(env envelope) (Payload, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode %s envelope: %w", env.Kind, err)
	}
	return Payload(raw), nil
}

// IsEmpty reports whether the payload was never computed.
func (p Payload) IsEmpty() bool {
	return p == ""
}

// Equal compares two payloads by their bytes.
func (p Payload) Equal(other Payload) bool {
	return p == other
}

// IsError reports whether the payload is an error marker. Undecodable payloads count as errors
// so that they get recomputed.
func (p Payload) IsError() bool {
	if p.IsEmpty() {
		return false
	}
	env, err := p.envelope()
	return err != nil || env.Status == StatusError
}

// ErrorMessage returns the recorded error of an error marker, or "".
func (p Payload) ErrorMessage() string {
	env, err := p.envelope()
	if err != nil {
		return ""
	}
	return env.Error
}

// Decode unmarshals the data of an ok payload of the expected kind into v.
func (p Payload) Decode(kind Kind, v any) error {
	env, err := p.envelope()
	if err != nil {
		return err
	}
	if env.Kind != kind {
		return fmt.Errorf("%w: kind %q, want %q", apperrors.ErrInvalidSnapshot, env.Kind, kind)
	}
	if env.Status != StatusOK {
		return fmt.Errorf("%w: %s snapshot holds an error: %s", apperrors.ErrInvalidSnapshot, kind, env.Error)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: decode %s data: %w", apperrors.ErrInvalidSnapshot, kind, err)
	}
	return nil
}

func (p Payload) envelope() (envelope, error) {
	var env envelope
	if p.IsEmpty() {
		return env, fmt.Errorf("%w: empty payload", apperrors.ErrInvalidSnapshot)
	}
	if err := json.Unmarshal([]byte(p), &env); err != nil {
		return env, fmt.Errorf("%w: %w", apperrors.ErrInvalidSnapshot, err)
	}
	if env.V != Version {
		return env, fmt.Errorf("%w: version %d, want %d", apperrors.ErrInvalidSnapshot, env.V, Version)
	}
	return env, nil
}
