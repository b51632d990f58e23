package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCommit() *Commit {
	tree, _ := IDOf(&Blob{Content: []byte("tree stand-in")})
	return &Commit{
		Tree: tree,
		Author: Signature{
			Name: "Test", Email: "test@example.com", Timestamp: 1700000000, TimezoneOffset: -300,
		},
		Committer: Signature{
			Name: "Test", Email: "test@example.com", Timestamp: 1700000000, TimezoneOffset: -300,
		},
		Message: "first",
	}
}

func TestIDDeterminism(t *testing.T) {
	id1, err := IDOf(&Blob{Content: []byte("hello world")})
	require.NoError(t, err)
	id2, err := IDOf(&Blob{Content: []byte("hello world")})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	id3, err := IDOf(&Blob{Content: []byte("different content")})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

func TestIDHexRoundTrip(t *testing.T) {
	id, err := IDOf(&Blob{Content: []byte("x")})
	require.NoError(t, err)
	require.Len(t, id.String(), IDSizeHex)

	parsed, err := ParseID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseID("abc")
	require.Error(t, err)
}

func TestEncodeDecodeAllKinds(t *testing.T) {
	blobID, err := IDOf(&Blob{Content: []byte("content")})
	require.NoError(t, err)

	commit := testCommit()
	commitID, err := IDOf(commit)
	require.NoError(t, err)

	objects := []Object{
		&Blob{Content: []byte("content")},
		NewTree([]TreeEntry{
			{Name: "b.txt", Mode: ModeNormal, Type: KindBlob, Target: blobID},
			{Name: "a.txt", Mode: ModeExecutable, Type: KindBlob, Target: blobID},
		}),
		commit,
		&Tag{Target: commitID, TargetType: KindCommit, Name: "v1.0",
			Tagger: commit.Author, Message: "release"},
	}
	for _, o := range objects {
		b, err := Encode(o)
		require.NoError(t, err)
		decoded, err := Decode(b)
		require.NoError(t, err)
		assert.Equal(t, o.Kind(), decoded.Kind())
		reencoded, err := Encode(decoded)
		require.NoError(t, err)
		assert.Equal(t, b, reencoded)
	}
}

func TestTreeCanonicalOrder(t *testing.T) {
	id, err := IDOf(&Blob{Content: []byte("x")})
	require.NoError(t, err)

	e1 := TreeEntry{Name: "zeta", Mode: ModeNormal, Type: KindBlob, Target: id}
	e2 := TreeEntry{Name: "alpha", Mode: ModeNormal, Type: KindBlob, Target: id}

	id1, err := IDOf(NewTree([]TreeEntry{e1, e2}))
	require.NoError(t, err)
	id2, err := IDOf(NewTree([]TreeEntry{e2, e1}))
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	// an unsorted tree is not canonical
	_, err = Encode(&Tree{Entries: []TreeEntry{e1, e2}})
	require.Error(t, err)
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	b, err := Encode(&Blob{Content: []byte("abc")})
	require.NoError(t, err)
	_, err = Decode(append(b, 0x00))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := Decode([]byte{0x7f, 0, 0, 0, 0})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestCompatDerivation(t *testing.T) {
	d := NewCompatDeriver()
	obj := testCommit()

	h1, err := d.Derive(obj, CompatSHA1)
	require.NoError(t, err)
	require.Len(t, h1.Sum, 20)

	h2, err := d.Derive(obj, CompatSHA1)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	h3, err := d.Derive(obj, CompatSHA256)
	require.NoError(t, err)
	require.Len(t, h3.Sum, 32)
	assert.NotEqual(t, h1.String(), h3.String())
}

func TestWireEncodeShape(t *testing.T) {
	wire, err := WireEncode(&Blob{Content: []byte("hello")})
	require.NoError(t, err)
	assert.Equal(t, []byte("blob 5\x00hello"), wire)
}

func TestRefSetEqualAndClone(t *testing.T) {
	id1, _ := IDOf(&Blob{Content: []byte("1")})
	id2, _ := IDOf(&Blob{Content: []byte("2")})

	s := RefSet{
		"refs/heads/main": {Target: id1, Version: "v1"},
		"refs/tags/v1":    {Target: id2, Version: "v2"},
	}
	c := s.Clone()
	assert.True(t, s.Equal(c))

	c["refs/heads/main"] = RefVal{Target: id2, Version: "v3"}
	assert.False(t, s.Equal(c))
	assert.Equal(t, id1, s.Targets()["refs/heads/main"])
}

func TestEntryMarshalRoundTrip(t *testing.T) {
	id1, _ := IDOf(&Blob{Content: []byte("1")})
	e := &LogEntry{
		Seq:      3,
		ID:       "entry-id",
		Op:       "commit",
		Intent:   "commit -m first",
		Before:   RefSet{},
		After:    RefSet{"refs/heads/main": {Target: id1, Version: "v1"}},
		Undoable: true,
	}
	b, err := MarshalEntry(e)
	require.NoError(t, err)
	decoded, err := UnmarshalEntry(b)
	require.NoError(t, err)
	assert.Equal(t, e.Seq, decoded.Seq)
	assert.True(t, e.After.Equal(decoded.After))
	assert.False(t, decoded.IsBaseline())

	_, err = UnmarshalEntry(nil)
	assert.ErrorIs(t, err, ErrNilEntry)
}
