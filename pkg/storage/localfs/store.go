// Package localfs implements the blob Store on a local file system
// through afero, so tests can swap in an in-memory FS.
package localfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/strata-vcs/strata/pkg/storage"
	"github.com/strata-vcs/strata/pkg/storage/status"
)

// New creates a local file system backed blob store
func New(fs afero.Fs) storage.Store {
	if fs == nil {
		fs = afero.NewBasePathFs(afero.NewOsFs(), filepath.Join(".strata", "blobs"))
	}
	return &localFS{fs: fs}
}

type localFS struct {
	fs afero.Fs
}

func (l *localFS) String() string {
	return "localfs"
}

func (l *localFS) Has(ctx context.Context, key string) (bool, error) {
	fi, err := l.fs.Stat(key)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !fi.IsDir(), nil
}

func (l *localFS) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	has, err := l.Has(ctx, key)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, status.ErrNotExists
	}
	return l.fs.Open(key)
}

func (l *localFS) Put(ctx context.Context, key string, source io.Reader, exclusive bool) error {
	if dir := filepath.Dir(key); dir != "" {
		if err := l.fs.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("ensuring directories for %q: %v", key, err)
		}
	}
	flag := os.O_CREATE | os.O_WRONLY | os.O_TRUNC | os.O_SYNC
	if exclusive {
		flag |= os.O_EXCL
	}
	target, err := l.fs.OpenFile(key, flag, 0600)
	if err != nil {
		if exclusive && os.IsExist(err) {
			return status.ErrExists
		}
		return fmt.Errorf("create record for %q: %v", key, err)
	}
	if _, err = storage.PipeIO(target, source); err != nil {
		_ = target.Close()
		return fmt.Errorf("write record for %q: %v", key, err)
	}
	return target.Close()
}

func (l *localFS) Delete(ctx context.Context, key string) error {
	has, err := l.Has(ctx, key)
	if err != nil {
		return err
	}
	if !has {
		return status.ErrNotExists
	}
	return l.fs.Remove(key)
}

func (l *localFS) Keys(ctx context.Context) ([]string, error) {
	const root = "."
	var keys []string
	err := afero.Walk(l.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root || info == nil || info.IsDir() {
			return nil
		}
		keys = append(keys, filepath.ToSlash(path))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (l *localFS) KeysPrefix(ctx context.Context, marker string, prefix string, max int) ([]string, string, error) {
	all, err := l.Keys(ctx)
	if err != nil {
		return nil, "", err
	}
	var keys []string
	for _, k := range all {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if marker != "" && k <= marker {
			continue
		}
		keys = append(keys, k)
		if max > 0 && len(keys) == max {
			return keys, k, nil
		}
	}
	return keys, "", nil
}
