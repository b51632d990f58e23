// Package status declares the errors reported by the operation log.
//
// NOTE: such constants are located in a separate package to keep the
// taxonomy importable without dragging in the log implementation.
package status

import "github.com/strata-vcs/strata/pkg/errors"

var (
	// ErrNothingToUndo indicates an undo with the cursor at the start of
	// history
	ErrNothingToUndo = errors.New("nothing to undo")

	// ErrNothingToRedo indicates a redo with no undone entry ahead of the
	// cursor, or a redo that was never armed by an undo
	ErrNothingToRedo = errors.New("nothing to redo")

	// ErrNotUndoable indicates an undo reaching an entry recorded without a
	// complete before-state, or a compaction baseline
	ErrNotUndoable = errors.New("entry cannot be undone")

	// ErrStateDiverged indicates live references that no longer match the
	// entry being undone or redone; something else moved them since
	ErrStateDiverged = errors.New("live state diverged from recorded entry")

	// ErrNothingToCompact indicates a compaction that would retire no entries
	ErrNothingToCompact = errors.New("no entries eligible for compaction")

	// ErrCompactBeyondCursor indicates a compaction whose baseline would
	// pass the cursor, retiring entries that are not yet applied
	ErrCompactBeyondCursor = errors.New("compaction would retire entries past the cursor")
)
