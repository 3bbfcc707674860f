// Package remote is the client side of the hosted backend. The backend is
// exposed as named operations: "<collection>.upsert", "<collection>.delete"
// and "<collection>.fetch", plus any free-form operation names queued by
// callers.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedAction is reported when a backend has no handler for an action.
var ErrUnsupportedAction = errors.New("unsupported action")

// Verbs of the per-collection operations.
const (
	VerbUpsert = "upsert"
	VerbDelete = "delete"
	VerbFetch  = "fetch"
)

// Request is one remote operation invocation.
type Request struct {
	Action   string          `json:"action"`
	SchoolID string          `json:"schoolId,omitempty"`
	Payload  json.RawMessage `json:"data,omitempty"`
}

// Result is the outcome of an invocation. Transport failures are reported
// as Success=false with the error text; they are never returned as Go errors.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Client invokes remote operations. Implementations must not retry; retry
// policy belongs to the sync engine.
type Client interface {
	Invoke(ctx context.Context, req Request) Result
}

// Pinger is implemented by clients that can cheaply check reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// UpsertAction names the upsert operation for a collection.
func UpsertAction(collection string) string { return collection + "." + VerbUpsert }

// DeleteAction names the delete operation for a collection.
func DeleteAction(collection string) string { return collection + "." + VerbDelete }

// FetchAction names the snapshot operation for a collection.
func FetchAction(collection string) string { return collection + "." + VerbFetch }

// ParseAction splits a per-collection action into collection and verb.
// ok is false for free-form operation names.
func ParseAction(action string) (collection, verb string, ok bool) {
	i := strings.LastIndexByte(action, '.')
	if i <= 0 || i == len(action)-1 {
		return "", "", false
	}
	collection, verb = action[:i], action[i+1:]
	switch verb {
	case VerbUpsert, VerbDelete, VerbFetch:
		return collection, verb, true
	}
	return "", "", false
}

// OK builds a successful result carrying data (nil for none).
func OK(data any) Result {
	if data == nil {
		return Result{Success: true}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Fail(fmt.Errorf("marshal result: %w", err))
	}
	return Result{Success: true, Data: raw}
}

// Fail builds a failed result from err.
func Fail(err error) Result {
	return Result{Error: err.Error()}
}

// Unsupported builds the failed result for an unknown action.
func Unsupported(action string) Result {
	return Fail(fmt.Errorf("%w: %s", ErrUnsupportedAction, action))
}

// recordRef is the minimal payload of a delete.
type recordRef struct {
	ID       string `json:"id"`
	SchoolID string `json:"school_id"`
}

// decodePayload reads id and school_id out of an upsert or delete payload.
func decodePayload(payload json.RawMessage) (recordRef, error) {
	var ref recordRef
	if len(payload) == 0 {
		return ref, errors.New("payload is required")
	}
	if err := json.Unmarshal(payload, &ref); err != nil {
		return ref, fmt.Errorf("decode payload: %w", err)
	}
	if ref.ID == "" {
		return ref, errors.New("payload id is required")
	}
	return ref, nil
}
