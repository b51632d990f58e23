package model

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sync"

	sha256 "github.com/minio/sha256-simd"
)

// Compatibility hashes are derived on demand at import/export boundaries by
// re-serializing the canonical object to the external git wire form and
// hashing that. They are never a transform of the primary id and never part
// of the canonically hashed payload.

// CompatKind selects the external hash algorithm
type CompatKind uint8

const (
	// CompatSHA1 is the classic git object hash
	CompatSHA1 CompatKind = iota + 1
	// CompatSHA256 is the git sha256 object format hash
	CompatSHA256
)

func (k CompatKind) String() string {
	switch k {
	case CompatSHA1:
		return "sha1"
	case CompatSHA256:
		return "sha256"
	default:
		return "unknown"
	}
}

// CompatHash is an externally compatible object digest
type CompatHash struct {
	Kind CompatKind
	Sum  []byte
}

func (h CompatHash) String() string {
	return hex.EncodeToString(h.Sum)
}

// CompatDeriver derives compatibility hashes, caching by primary id since
// derivation re-serializes the whole object.
type CompatDeriver struct {
	mu    sync.Mutex
	cache map[cacheKey]CompatHash
}

type cacheKey struct {
	id   ID
	kind CompatKind
}

// NewCompatDeriver builds an empty deriver
func NewCompatDeriver() *CompatDeriver {
	return &CompatDeriver{cache: make(map[cacheKey]CompatHash)}
}

// Derive computes the compatibility hash of an object
func (d *CompatDeriver) Derive(o Object, kind CompatKind) (CompatHash, error) {
	id, err := IDOf(o)
	if err != nil {
		return CompatHash{}, err
	}
	d.mu.Lock()
	if h, ok := d.cache[cacheKey{id, kind}]; ok {
		d.mu.Unlock()
		return h, nil
	}
	d.mu.Unlock()

	wire, err := WireEncode(o)
	if err != nil {
		return CompatHash{}, err
	}
	h := CompatHash{Kind: kind}
	switch kind {
	case CompatSHA1:
		sum := sha1.Sum(wire)
		h.Sum = sum[:]
	case CompatSHA256:
		hasher := sha256.New()
		_, _ = hasher.Write(wire)
		h.Sum = hasher.Sum(nil)
	default:
		return CompatHash{}, ErrUnknownKind.WrapMessage("unknown compat hash kind")
	}

	d.mu.Lock()
	d.cache[cacheKey{id, kind}] = h
	d.mu.Unlock()
	return h, nil
}

// WireEncode renders the external git wire form of an object:
// "<type> <len>\0<content>" with the kind-specific content layout.
func WireEncode(o Object) ([]byte, error) {
	var content []byte
	var err error
	switch obj := o.(type) {
	case *Blob:
		content = obj.Content
	case *Tree:
		content = wireTree(obj)
	case *Commit:
		content = wireCommit(obj)
	case *Tag:
		content, err = wireTag(obj)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrUnknownKind
	}
	out := bytes.Buffer{}
	fmt.Fprintf(&out, "%s %d", o.Kind(), len(content))
	out.WriteByte(0)
	out.Write(content)
	return out.Bytes(), nil
}

func wireTree(t *Tree) []byte {
	buf := bytes.Buffer{}
	for _, e := range t.Entries {
		fmt.Fprintf(&buf, "%o %s", uint32(e.Mode), e.Name)
		buf.WriteByte(0)
		buf.Write(e.Target[:])
	}
	return buf.Bytes()
}

func wireCommit(c *Commit) []byte {
	buf := bytes.Buffer{}
	fmt.Fprintf(&buf, "tree %s\n", c.Tree)
	for _, p := range c.Parents {
		fmt.Fprintf(&buf, "parent %s\n", p)
	}
	fmt.Fprintf(&buf, "author %s\n", wireSignature(c.Author))
	fmt.Fprintf(&buf, "committer %s\n", wireSignature(c.Committer))
	buf.WriteByte('\n')
	buf.WriteString(c.Message)
	return buf.Bytes()
}

func wireTag(t *Tag) ([]byte, error) {
	if t.TargetType < KindBlob || t.TargetType > KindTag {
		return nil, ErrUnknownKind.WrapMessage("tag target type")
	}
	buf := bytes.Buffer{}
	fmt.Fprintf(&buf, "object %s\n", t.Target)
	fmt.Fprintf(&buf, "type %s\n", t.TargetType)
	fmt.Fprintf(&buf, "tag %s\n", t.Name)
	fmt.Fprintf(&buf, "tagger %s\n", wireSignature(t.Tagger))
	buf.WriteByte('\n')
	buf.WriteString(t.Message)
	return buf.Bytes(), nil
}

func wireSignature(s Signature) string {
	return fmt.Sprintf("%s <%s> %d %+05d", s.Name, s.Email, s.Timestamp, s.TimezoneOffset)
}
