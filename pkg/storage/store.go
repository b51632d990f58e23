// Package storage defines the low-level blob key/value store the
// eventual-consistency backend is layered on.
//
// Implementations are simple, file system-like media: a local FS, GCS, S3.
// Keys are flat strings; values are opaque byte streams. Atomicity and
// consistency guarantees beyond single-key durability are the concern of the
// backend built on top, not of these adapters.
package storage

import (
	"context"
	"io"
)

// Put disposition flags
const (
	// OverWrite replaces an existing key
	OverWrite = false
	// NoOverWrite requires the key to be new
	NoOverWrite = true
)

// Store implementations know how to read and write entries of a K/V medium
type Store interface {
	String() string
	Has(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, source io.Reader, exclusive bool) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	// KeysPrefix pages through keys under a prefix in lexical order.
	// Pass the returned next token as marker to continue; an empty next
	// token means the listing is complete.
	KeysPrefix(ctx context.Context, marker string, prefix string, max int) (keys []string, next string, err error)
}

// PipeIO copies a stream to a writer and reports the bytes moved
func PipeIO(writer io.Writer, reader io.Reader) (n int64, err error) {
	buf := make([]byte, 32*1024)
	return io.CopyBuffer(writer, reader, buf)
}

// ReadAll drains a keyed entry into memory
func ReadAll(ctx context.Context, store Store, key string) ([]byte, error) {
	rdr, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rdr.Close()
	return io.ReadAll(rdr)
}
