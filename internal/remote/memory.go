package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnreachable is reported by the memory backend while marked offline.
var ErrUnreachable = errors.New("remote unreachable")

// Handler serves a free-form operation on the memory backend.
type Handler func(req Request) Result

// Memory is an in-process backend. It keeps records per collection and can
// be told to fail, which makes it the backend of choice for tests and
// offline demos.
type Memory struct {
	mu          sync.Mutex
	records     map[string]map[string]json.RawMessage
	schools     map[string]map[string]string
	handlers    map[string]Handler
	fail        func(Request) error
	unreachable bool
	calls       []Request
}

// NewMemory returns an empty memory backend.
func NewMemory() *Memory {
	return &Memory{
		records:  make(map[string]map[string]json.RawMessage),
		schools:  make(map[string]map[string]string),
		handlers: make(map[string]Handler),
	}
}

// Handle registers a handler for a free-form operation name.
func (m *Memory) Handle(action string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[action] = h
}

// FailWith installs a hook consulted before every invocation; a non-nil
// error fails the call without applying it. Pass nil to clear.
func (m *Memory) FailWith(fn func(Request) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fn
}

// SetReachable toggles Ping and Invoke between working and unreachable.
func (m *Memory) SetReachable(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unreachable = !ok
}

// Calls returns a copy of every request received.
func (m *Memory) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.calls...)
}

// Seed stores a record directly, bypassing Invoke.
func (m *Memory) Seed(collection string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	ref, err := decodePayload(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(collection, ref, data)
	return nil
}

// Record returns the stored JSON of one record, or nil.
func (m *Memory) Record(collection, id string) json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[collection][id]
}

// Len returns the number of records stored for collection.
func (m *Memory) Len(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records[collection])
}

// Ping reports ErrUnreachable while the backend is marked offline.
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unreachable {
		return ErrUnreachable
	}
	return ctx.Err()
}

// Invoke applies req.
func (m *Memory) Invoke(ctx context.Context, req Request) Result {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	if m.unreachable {
		m.mu.Unlock()
		return Fail(ErrUnreachable)
	}
	if err := ctx.Err(); err != nil {
		m.mu.Unlock()
		return Fail(err)
	}
	if m.fail != nil {
		if err := m.fail(req); err != nil {
			m.mu.Unlock()
			return Fail(err)
		}
	}

	collection, verb, ok := ParseAction(req.Action)
	if !ok {
		h := m.handlers[req.Action]
		m.mu.Unlock()
		if h == nil {
			return Unsupported(req.Action)
		}
		return h(req)
	}
	defer m.mu.Unlock()

	switch verb {
	case VerbUpsert:
		ref, err := decodePayload(req.Payload)
		if err != nil {
			return Fail(err)
		}
		m.put(collection, ref, req.Payload)
		return OK(nil)
	case VerbDelete:
		ref, err := decodePayload(req.Payload)
		if err != nil {
			return Fail(err)
		}
		delete(m.records[collection], ref.ID)
		delete(m.schools[collection], ref.ID)
		return OK(nil)
	case VerbFetch:
		return m.fetch(collection, req.SchoolID)
	}
	return Unsupported(req.Action)
}

func (m *Memory) put(collection string, ref recordRef, data json.RawMessage) {
	if m.records[collection] == nil {
		m.records[collection] = make(map[string]json.RawMessage)
		m.schools[collection] = make(map[string]string)
	}
	m.records[collection][ref.ID] = append(json.RawMessage(nil), data...)
	m.schools[collection][ref.ID] = ref.SchoolID
}

func (m *Memory) fetch(collection, schoolID string) Result {
	ids := make([]string, 0, len(m.records[collection]))
	for id := range m.records[collection] {
		if schoolID != "" && m.schools[collection][id] != schoolID {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.records[collection][id])
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return Fail(fmt.Errorf("marshal %s snapshot: %w", collection, err))
	}
	return Result{Success: true, Data: raw}
}
