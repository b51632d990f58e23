// Package status declares error constants returned by
// implementations of the Store interface.
//
// NOTE: such constants are located in a separate package to avoid
// creating undue cyclical dependencies between pkg/storage and one
// of its implementations.
package status

import "github.com/strata-vcs/strata/pkg/errors"

var (
	// ErrNotExists indicates that the fetched key does not exist on storage
	ErrNotExists = errors.New("key doesn't exist")

	// ErrExists indicates that the key already exists and cannot be overridden
	ErrExists = errors.New("exists already")

	// ErrNotSupported indicates that the medium does not support this call
	ErrNotSupported = errors.New("not supported")

	// ErrInvalidResource indicates a storage key with an invalid name
	ErrInvalidResource = errors.New("invalid storage resource name")

	// ErrStorageAPI indicates any other backing-medium API error
	ErrStorageAPI = errors.New("storage API error")
)
