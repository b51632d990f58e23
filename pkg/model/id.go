package model

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

const (
	// IDSize is the width in bytes of a content id (BLAKE3-256)
	IDSize = 32

	// IDSizeHex is the width of the hex representation of an id
	IDSizeHex = 64
)

// HashAlgorithm names the digest used for content ids, kept as out-of-band
// object metadata so stored bytes remain self-describing.
const HashAlgorithm = "blake3-256"

// ID is the content-derived identifier of an immutable object.
//
// It is the BLAKE3-256 digest of the object's canonical serialization:
// equal ids imply equal content.
type ID [IDSize]byte

// NewID creates an id from raw digest bytes
func NewID(data []byte) (ID, error) {
	var id ID
	if copy(id[:], data) != IDSize {
		return ID{}, &BadIDSize{Raw: data}
	}
	return id, nil
}

// MustNewID creates an id from raw digest bytes and panics on bad input
func MustNewID(data []byte) ID {
	id, err := NewID(data)
	if err != nil {
		panic(err.Error())
	}
	return id
}

// IDFromContent computes the id of a canonical byte payload
func IDFromContent(canonical []byte) ID {
	return ID(blake3.Sum256(canonical))
}

// ParseID parses the hex representation of an id
func ParseID(s string) (ID, error) {
	if len(s) != IDSizeHex {
		return ID{}, &BadIDSize{Raw: []byte(s)}
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, err
	}
	return NewID(raw)
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether the id is the zero value, which never names content
func (id ID) IsZero() bool {
	return id == ID{}
}

// MarshalYAML renders the id as its hex form
func (id ID) MarshalYAML() (interface{}, error) {
	return id.String(), nil
}

// UnmarshalYAML parses the hex form
func (id *ID) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// BadIDSize is returned when an id is built from a payload of the wrong width
type BadIDSize struct {
	Raw []byte
}

func (b *BadIDSize) Error() string {
	return fmt.Sprintf("%x has invalid size of %d, expected %d", b.Raw, len(b.Raw), IDSize)
}
