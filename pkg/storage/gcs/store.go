// Package gcs implements the blob Store on a Google Cloud Storage bucket
package gcs

import (
	"context"
	"io"

	gcsStorage "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"go.uber.org/zap"

	"github.com/strata-vcs/strata/pkg/storage"
	"github.com/strata-vcs/strata/pkg/storage/status"
)

type gcs struct {
	client         *gcsStorage.Client
	readOnlyClient *gcsStorage.Client
	bucket         string
	l              *zap.Logger
}

// Option is a functor to pass optional parameters to the gcs store
type Option func(*gcs)

// Logger specifies a logger for this store
func Logger(logger *zap.Logger) Option {
	return func(g *gcs) {
		if logger != nil {
			g.l = logger
		}
	}
}

// New builds a blob store on a GCS bucket
func New(ctx context.Context, bucket string, opts ...Option) (storage.Store, error) {
	googleStore := &gcs{
		bucket: bucket,
		l:      zap.NewNop(),
	}
	for _, apply := range opts {
		apply(googleStore)
	}
	var err error
	googleStore.readOnlyClient, err = gcsStorage.NewClient(ctx, option.WithScopes(gcsStorage.ScopeReadOnly))
	if err != nil {
		return nil, err
	}
	googleStore.client, err = gcsStorage.NewClient(ctx, option.WithScopes(gcsStorage.ScopeFullControl))
	if err != nil {
		return nil, err
	}
	return googleStore, nil
}

func (g *gcs) String() string {
	return "gcs://" + g.bucket
}

func (g *gcs) Has(ctx context.Context, key string) (bool, error) {
	_, err := g.readOnlyClient.Bucket(g.bucket).Object(key).Attrs(ctx)
	if err != nil {
		if err == gcsStorage.ErrObjectNotExist {
			return false, nil
		}
		return false, status.ErrStorageAPI.Wrap(err)
	}
	return true, nil
}

func (g *gcs) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	rdr, err := g.readOnlyClient.Bucket(g.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if err == gcsStorage.ErrObjectNotExist {
			return nil, status.ErrNotExists
		}
		return nil, status.ErrStorageAPI.Wrap(err)
	}
	return rdr, nil
}

func (g *gcs) Put(ctx context.Context, key string, source io.Reader, exclusive bool) error {
	obj := g.client.Bucket(g.bucket).Object(key)
	if exclusive {
		obj = obj.If(gcsStorage.Conditions{DoesNotExist: true})
	}
	writer := obj.NewWriter(ctx)
	if _, err := storage.PipeIO(writer, source); err != nil {
		_ = writer.Close()
		return status.ErrStorageAPI.WrapWithLog(g.l, err, zap.String("key", key))
	}
	return writer.Close()
}

func (g *gcs) Delete(ctx context.Context, key string) error {
	if err := g.client.Bucket(g.bucket).Object(key).Delete(ctx); err != nil {
		if err == gcsStorage.ErrObjectNotExist {
			return status.ErrNotExists
		}
		return status.ErrStorageAPI.Wrap(err)
	}
	return nil
}

func (g *gcs) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	next := ""
	for {
		page, token, err := g.KeysPrefix(ctx, next, "", 1000)
		if err != nil {
			return nil, err
		}
		keys = append(keys, page...)
		if token == "" {
			break
		}
		next = token
	}
	return keys, nil
}

func (g *gcs) KeysPrefix(ctx context.Context, marker string, prefix string, max int) ([]string, string, error) {
	it := g.readOnlyClient.Bucket(g.bucket).Objects(ctx, &gcsStorage.Query{
		Prefix:      prefix,
		StartOffset: marker,
	})
	var keys []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			return keys, "", nil
		}
		if err != nil {
			return nil, "", status.ErrStorageAPI.Wrap(err)
		}
		if marker != "" && attrs.Name <= marker {
			continue
		}
		keys = append(keys, attrs.Name)
		if max > 0 && len(keys) == max {
			return keys, attrs.Name, nil
		}
	}
}
