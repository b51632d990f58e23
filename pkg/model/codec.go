package model

import (
	"bytes"
	"encoding/binary"
	"io"
)

// Canonical encoding. The byte layout is pinned: one kind tag byte, then the
// object's fields in declaration order, big-endian fixed-width integers,
// u32 length prefixes on variable fields, tree entries sorted by name.
// Identical logical content encodes to identical bytes on every platform,
// which is what makes ids portable across backends.

// Encode renders the canonical serialization of an object
func Encode(o Object) ([]byte, error) {
	w := &bytes.Buffer{}
	w.WriteByte(byte(o.Kind()))
	switch obj := o.(type) {
	case *Blob:
		writeU64(w, uint64(len(obj.Content)))
		w.Write(obj.Content)
	case *Tree:
		for i := 1; i < len(obj.Entries); i++ {
			if obj.Entries[i-1].Name >= obj.Entries[i].Name {
				return nil, ErrInvalidFormat.WrapMessage("tree entries not in canonical order")
			}
		}
		writeU32(w, uint32(len(obj.Entries)))
		for _, e := range obj.Entries {
			writeString(w, e.Name)
			writeU32(w, uint32(e.Mode))
			w.WriteByte(byte(e.Type))
			w.Write(e.Target[:])
		}
	case *Commit:
		w.Write(obj.Tree[:])
		writeU32(w, uint32(len(obj.Parents)))
		for _, p := range obj.Parents {
			w.Write(p[:])
		}
		writeSignature(w, obj.Author)
		writeSignature(w, obj.Committer)
		writeString(w, obj.Message)
	case *Tag:
		w.Write(obj.Target[:])
		w.WriteByte(byte(obj.TargetType))
		writeString(w, obj.Name)
		writeSignature(w, obj.Tagger)
		writeString(w, obj.Message)
	default:
		return nil, ErrUnknownKind
	}
	return w.Bytes(), nil
}

// Decode parses a canonical serialization back into an object
func Decode(data []byte) (Object, error) {
	r := bytes.NewReader(data)
	kind, err := r.ReadByte()
	if err != nil {
		return nil, ErrInvalidFormat.Wrap(err)
	}
	var o Object
	switch Kind(kind) {
	case KindBlob:
		n, err := readU64(r)
		if err != nil {
			return nil, err
		}
		if uint64(r.Len()) != n {
			return nil, ErrInvalidFormat.WrapMessage("blob length does not match payload")
		}
		content := make([]byte, n)
		if _, err := io.ReadFull(r, content); err != nil {
			return nil, ErrInvalidFormat.Wrap(err)
		}
		o = &Blob{Content: content}
	case KindTree:
		n, err := readU32(r)
		if err != nil {
			return nil, err
		}
		entries := make([]TreeEntry, 0, n)
		for i := uint32(0); i < n; i++ {
			var e TreeEntry
			if e.Name, err = readString(r); err != nil {
				return nil, err
			}
			mode, err := readU32(r)
			if err != nil {
				return nil, err
			}
			e.Mode = FileMode(mode)
			t, err := r.ReadByte()
			if err != nil {
				return nil, ErrInvalidFormat.Wrap(err)
			}
			e.Type = Kind(t)
			if e.Target, err = readID(r); err != nil {
				return nil, err
			}
			entries = append(entries, e)
		}
		for i := 1; i < len(entries); i++ {
			if entries[i-1].Name >= entries[i].Name {
				return nil, ErrInvalidFormat.WrapMessage("tree entries not in canonical order")
			}
		}
		o = &Tree{Entries: entries}
	case KindCommit:
		c := &Commit{}
		if c.Tree, err = readID(r); err != nil {
			return nil, err
		}
		n, err := readU32(r)
		if err != nil {
			return nil, err
		}
		for i := uint32(0); i < n; i++ {
			p, err := readID(r)
			if err != nil {
				return nil, err
			}
			c.Parents = append(c.Parents, p)
		}
		if c.Author, err = readSignature(r); err != nil {
			return nil, err
		}
		if c.Committer, err = readSignature(r); err != nil {
			return nil, err
		}
		if c.Message, err = readString(r); err != nil {
			return nil, err
		}
		o = c
	case KindTag:
		t := &Tag{}
		if t.Target, err = readID(r); err != nil {
			return nil, err
		}
		tt, err := r.ReadByte()
		if err != nil {
			return nil, ErrInvalidFormat.Wrap(err)
		}
		t.TargetType = Kind(tt)
		if t.Name, err = readString(r); err != nil {
			return nil, err
		}
		if t.Tagger, err = readSignature(r); err != nil {
			return nil, err
		}
		if t.Message, err = readString(r); err != nil {
			return nil, err
		}
		o = t
	default:
		return nil, ErrUnknownKind
	}
	if r.Len() != 0 {
		return nil, ErrInvalidFormat.WrapMessage("trailing bytes after canonical payload")
	}
	return o, nil
}

func writeU32(w *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func writeU64(w *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.Write(b[:])
}

func writeString(w *bytes.Buffer, s string) {
	writeU32(w, uint32(len(s)))
	w.WriteString(s)
}

func writeSignature(w *bytes.Buffer, s Signature) {
	writeString(w, s.Name)
	writeString(w, s.Email)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(s.Timestamp))
	w.Write(b[:])
	var tz [2]byte
	binary.BigEndian.PutUint16(tz[:], uint16(s.TimezoneOffset))
	w.Write(tz[:])
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, ErrInvalidFormat.Wrap(err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, ErrInvalidFormat.Wrap(err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	if uint64(n) > uint64(r.Len()) {
		return "", ErrInvalidFormat.WrapMessage("string length exceeds payload")
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", ErrInvalidFormat.Wrap(err)
	}
	return string(b), nil
}

func readID(r *bytes.Reader) (ID, error) {
	var id ID
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return ID{}, ErrInvalidFormat.Wrap(err)
	}
	return id, nil
}

func readSignature(r *bytes.Reader) (Signature, error) {
	var s Signature
	var err error
	if s.Name, err = readString(r); err != nil {
		return s, err
	}
	if s.Email, err = readString(r); err != nil {
		return s, err
	}
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return s, ErrInvalidFormat.Wrap(err)
	}
	s.Timestamp = int64(binary.BigEndian.Uint64(b[:]))
	var tz [2]byte
	if _, err := io.ReadFull(r, tz[:]); err != nil {
		return s, ErrInvalidFormat.Wrap(err)
	}
	s.TimezoneOffset = int16(binary.BigEndian.Uint16(tz[:]))
	return s, nil
}
