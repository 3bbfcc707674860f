package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Record is a generic entity row. Every record carries an "id" and, for
// school-scoped collections, a "school_id".
type Record map[string]any

// ID returns the record's id, or "" when missing or not a string.
func (r Record) ID() string {
	s, _ := r["id"].(string)
	return s
}

// SchoolID returns the record's school_id, or "" when missing.
func (r Record) SchoolID() string {
	s, _ := r["school_id"].(string)
	return s
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// DecodeRecord parses a JSON object into a Record.
func DecodeRecord(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if r == nil {
		return nil, fmt.Errorf("decode record: not a JSON object")
	}
	return r, nil
}

// Collection names
const (
	CollectionClasses           = "classes"
	CollectionSections          = "sections"
	CollectionSubjects          = "subjects"
	CollectionStudents          = "students"
	CollectionTeachers          = "teachers"
	CollectionTests             = "tests"
	CollectionTestResults       = "test_results"
	CollectionPerformanceLevels = "performance_levels"
	CollectionSettings          = "settings"
)

// Collection describes one named group of same-shaped records.
type Collection struct {
	Name string
	// Indexed collections carry a school_id index and can be filtered by school.
	Indexed bool
	// Syncable collections are mirrored to the remote store.
	Syncable bool
}

var collections = map[string]Collection{
	CollectionClasses:           {Name: CollectionClasses, Indexed: true, Syncable: true},
	CollectionSections:          {Name: CollectionSections, Indexed: true, Syncable: true},
	CollectionSubjects:          {Name: CollectionSubjects, Indexed: true, Syncable: true},
	CollectionStudents:          {Name: CollectionStudents, Indexed: true, Syncable: true},
	CollectionTeachers:          {Name: CollectionTeachers, Indexed: true, Syncable: true},
	CollectionTests:             {Name: CollectionTests, Indexed: true, Syncable: true},
	CollectionTestResults:       {Name: CollectionTestResults, Indexed: true, Syncable: true},
	CollectionPerformanceLevels: {Name: CollectionPerformanceLevels, Indexed: true, Syncable: true},
	CollectionSettings:          {Name: CollectionSettings},
}

// NormalizeCollection maps singular and hyphenated aliases to canonical
// collection names. Returns false for unknown names.
func NormalizeCollection(name string) (Collection, bool) {
	switch name {
	case "class":
		name = CollectionClasses
	case "section":
		name = CollectionSections
	case "subject":
		name = CollectionSubjects
	case "student":
		name = CollectionStudents
	case "teacher":
		name = CollectionTeachers
	case "test":
		name = CollectionTests
	case "test_result", "test-result", "test-results", "results", "result":
		name = CollectionTestResults
	case "performance_level", "performance-level", "performance-levels":
		name = CollectionPerformanceLevels
	}
	c, ok := collections[name]
	return c, ok
}

// Collections returns every registered collection, sorted by name.
func Collections() []Collection {
	out := make([]Collection, 0, len(collections))
	for _, c := range collections {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SyncableCollections returns the collections mirrored to the remote store.
func SyncableCollections() []Collection {
	var out []Collection
	for _, c := range Collections() {
		if c.Syncable {
			out = append(out, c)
		}
	}
	return out
}

// Action is the mutation recorded by a queue entry.
type Action string

const (
	ActionAdd    Action = "add"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether a is a known mutation action.
func (a Action) Valid() bool {
	switch a {
	case ActionAdd, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// EntryKind tags the queue entry variant.
type EntryKind string

const (
	// KindMutation entries mirror a Local Store write to a collection.
	KindMutation EntryKind = "mutation"
	// KindOperation entries carry a free-form named remote operation.
	KindOperation EntryKind = "operation"
)

// EntryStatus is the delivery state of a queue entry.
type EntryStatus string

const (
	StatusPending EntryStatus = "pending"
	StatusSyncing EntryStatus = "syncing"
	StatusSynced  EntryStatus = "synced"
	StatusFailed  EntryStatus = "failed"
)

// Valid reports whether s is a known entry status.
func (s EntryStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusSynced, StatusFailed:
		return true
	}
	return false
}

// MaxRetries is the retry ceiling after which an entry is skipped but kept.
const MaxRetries = 5

// SyncQueueEntry is one pending mutation or remote operation.
type SyncQueueEntry struct {
	ID         string          `json:"id"`
	Kind       EntryKind       `json:"kind"`
	Action     string          `json:"action"`
	StoreName  string          `json:"storeName,omitempty"`
	SchoolID   string          `json:"schoolId,omitempty"`
	Data       json.RawMessage `json:"data"`
	Timestamp  time.Time       `json:"timestamp"`
	Status     EntryStatus     `json:"status"`
	RetryCount int             `json:"retryCount"`
	LastError  string          `json:"lastError,omitempty"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Exhausted reports whether the entry reached the retry ceiling.
func (e *SyncQueueEntry) Exhausted() bool {
	return e.RetryCount >= MaxRetries
}

// StorageMode selects where writes go.
type StorageMode string

const (
	ModeLocal  StorageMode = "local"
	ModeCloud  StorageMode = "cloud"
	ModeHybrid StorageMode = "hybrid"
)

// MirrorsRemote reports whether writes in this mode are queued for the remote.
func (m StorageMode) MirrorsRemote() bool {
	return m == ModeCloud || m == ModeHybrid
}

// StorageSettingsID is the fixed key of the storage settings singleton.
const StorageSettingsID = "storage_settings"

// StorageSettings is the process-wide storage configuration.
type StorageSettings struct {
	StorageMode  StorageMode `json:"storageMode" validate:"required,oneof=local cloud hybrid"`
	AutoSync     bool        `json:"autoSync"`
	SyncInterval int         `json:"syncInterval" validate:"min=1,max=1440"`
	LastSyncTime *time.Time  `json:"lastSyncTime"`
}

// DefaultStorageSettings returns the settings used before any are saved.
func DefaultStorageSettings() StorageSettings {
	return StorageSettings{
		StorageMode:  ModeHybrid,
		AutoSync:     true,
		SyncInterval: 5,
	}
}

// Interval returns SyncInterval as a duration.
func (s StorageSettings) Interval() time.Duration {
	return time.Duration(s.SyncInterval) * time.Minute
}

// AutoSyncActive reports whether the scheduler should run passes.
func (s StorageSettings) AutoSyncActive() bool {
	return s.AutoSync && s.StorageMode != ModeLocal
}
