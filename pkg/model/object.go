// Package model holds the canonical object model of the strata storage
// core: content ids, the four object kinds with their deterministic
// serialization, reference values and snapshots, and durable log entries.
package model

import (
	"sort"
	"time"

	"github.com/strata-vcs/strata/pkg/errors"
)

var (
	// ErrInvalidFormat indicates a payload that does not decode as a canonical object
	ErrInvalidFormat = errors.New("invalid canonical object format")

	// ErrUnknownKind indicates an unrecognized object kind tag
	ErrUnknownKind = errors.New("unknown object kind")
)

// Kind tags the four canonical object types
type Kind uint8

const (
	// KindBlob is raw content
	KindBlob Kind = 1
	// KindTree is a directory structure
	KindTree Kind = 2
	// KindCommit is a snapshot with history
	KindCommit Kind = 3
	// KindTag is a named annotation of another object
	KindTag Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindBlob:
		return "blob"
	case KindTree:
		return "tree"
	case KindCommit:
		return "commit"
	case KindTag:
		return "tag"
	default:
		return "unknown"
	}
}

// Object is a canonical, immutable version-control object.
//
// Implementations are Blob, Tree, Commit and Tag. The identity of an object
// is the BLAKE3-256 digest of its canonical encoding (see Encode).
type Object interface {
	Kind() Kind
}

// IDOf computes the content id of an object from its canonical encoding
func IDOf(o Object) (ID, error) {
	b, err := Encode(o)
	if err != nil {
		return ID{}, err
	}
	return IDFromContent(b), nil
}

// Blob is raw content
type Blob struct {
	Content []byte
}

// Kind of a blob
func (b *Blob) Kind() Kind { return KindBlob }

// FileMode of a tree entry, in git's octal convention
type FileMode uint32

const (
	// ModeNormal is a regular file
	ModeNormal FileMode = 0o100644
	// ModeExecutable is an executable file
	ModeExecutable FileMode = 0o100755
	// ModeSymlink is a symbolic link
	ModeSymlink FileMode = 0o120000
	// ModeTree is a sub-directory
	ModeTree FileMode = 0o040000
)

// TreeEntry binds a name in a directory to an object
type TreeEntry struct {
	Name string
	Mode FileMode
	Type Kind
	Target ID
}

// Tree is a directory structure. Entries are kept sorted by name so the
// canonical encoding is deterministic.
type Tree struct {
	Entries []TreeEntry
}

// NewTree builds a tree with its entries in canonical order
func NewTree(entries []TreeEntry) *Tree {
	sorted := make([]TreeEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	return &Tree{Entries: sorted}
}

// Kind of a tree
func (t *Tree) Kind() Kind { return KindTree }

// Signature identifies an author or committer.
//
// The timestamp is part of the authored content, not encoder state: two
// encoders producing the same logical commit produce identical bytes.
type Signature struct {
	Name           string
	Email          string
	Timestamp      int64
	TimezoneOffset int16
}

// Commit is a snapshot with history
type Commit struct {
	Tree      ID
	Parents   []ID
	Author    Signature
	Committer Signature
	Message   string
}

// Kind of a commit
func (c *Commit) Kind() Kind { return KindCommit }

// Tag is a named annotation of another object
type Tag struct {
	Target     ID
	TargetType Kind
	Name       string
	Tagger     Signature
	Message    string
}

// Kind of a tag
func (t *Tag) Kind() Kind { return KindTag }

// Meta is out-of-band metadata kept beside a stored object. It is never part
// of the hashed payload.
type Meta struct {
	Size      int64     `yaml:"size" json:"size"`
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
	Algorithm string    `yaml:"algorithm" json:"algorithm"`
}
