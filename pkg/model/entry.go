package model

import (
	"time"

	"gopkg.in/yaml.v2"

	"github.com/strata-vcs/strata/pkg/errors"
)

// ErrNilEntry indicates an attempt to unmarshal an empty log entry payload
var ErrNilEntry = errors.New("received nil log entry to unmarshal")

// Operation kinds with meaning to the log itself. Callers are free to record
// their own kinds; only the baseline kind is reserved.
const (
	// OpBaseline is the synthetic entry compaction leaves in place of
	// retired history
	OpBaseline = "baseline"
)

// LogEntry is the durable record of one high-level mutation.
//
// Before and After are full reference-set snapshots: applying After from any
// state reproduces the operation, applying Before reverses it. Entries are
// immutable once committed.
type LogEntry struct {
	Seq      uint64    `yaml:"seq" json:"seq"`
	ID       string    `yaml:"id" json:"id"`
	Time     time.Time `yaml:"time" json:"time"`
	Op       string    `yaml:"op" json:"op"`
	Intent   string    `yaml:"intent,omitempty" json:"intent,omitempty"`
	Payload  string    `yaml:"payload,omitempty" json:"payload,omitempty"`
	Before   RefSet    `yaml:"before" json:"before"`
	After    RefSet    `yaml:"after" json:"after"`
	Undoable bool      `yaml:"undoable" json:"undoable"`
}

// IsBaseline reports whether the entry is a synthetic compaction baseline
func (e *LogEntry) IsBaseline() bool {
	return e.Op == OpBaseline
}

// MarshalEntry serializes a log entry for durable media
func MarshalEntry(e *LogEntry) ([]byte, error) {
	return yaml.Marshal(e)
}

// UnmarshalEntry parses a durable log entry
func UnmarshalEntry(b []byte) (*LogEntry, error) {
	if len(b) == 0 {
		return nil, ErrNilEntry
	}
	var e LogEntry
	if err := yaml.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
