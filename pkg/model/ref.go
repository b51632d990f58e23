package model

// RefVal is the value bound to a reference name: a target object id plus a
// version token. The token is a KSUID: unique per write and K-sortable, so
// token order doubles as the last-writer-wins rule on media without native
// compare-and-swap.
type RefVal struct {
	Target  ID     `yaml:"target" json:"target"`
	Version string `yaml:"version" json:"version"`
}

// Equal compares target and version token
func (v RefVal) Equal(o RefVal) bool {
	return v.Target == o.Target && v.Version == o.Version
}

// RefSet is a full name to value snapshot of the reference table
type RefSet map[string]RefVal

// Clone copies the snapshot
func (s RefSet) Clone() RefSet {
	out := make(RefSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Equal reports structural equality of two snapshots
func (s RefSet) Equal(o RefSet) bool {
	if len(s) != len(o) {
		return false
	}
	for k, v := range s {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Targets reduces a snapshot to name to target id, ignoring version tokens.
// Undo restores targets; version tokens always move forward.
func (s RefSet) Targets() map[string]ID {
	out := make(map[string]ID, len(s))
	for k, v := range s {
		out[k] = v.Target
	}
	return out
}
