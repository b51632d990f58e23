// Package sthree implements the blob Store on an Amazon S3 bucket
package sthree

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/strata-vcs/strata/pkg/storage"
	"github.com/strata-vcs/strata/pkg/storage/status"
)

// PageSize of key listings
const PageSize = 1000

// Option is a functor to pass optional parameters to the s3 store
type Option func(*s3FS)

// Bucket selects the bucket backing the store
func Bucket(bucket string) Option {
	return func(fs *s3FS) {
		fs.bucket = bucket
	}
}

// AWSConfig overrides the AWS client configuration
func AWSConfig(cfg *aws.Config) Option {
	return func(fs *s3FS) {
		fs.awsConfig = cfg
	}
}

// New builds a blob store on an S3 bucket
func New(option Option, options ...Option) storage.Store {
	fs := new(s3FS)
	option(fs)
	for _, apply := range options {
		apply(fs)
	}
	fs.s3 = s3.New(session.Must(session.NewSession(fs.awsConfig)))
	fs.uploader = s3manager.NewUploaderWithClient(fs.s3)
	return fs
}

type s3FS struct {
	bucket    string
	awsConfig *aws.Config
	s3        *s3.S3
	uploader  *s3manager.Uploader
}

func (s *s3FS) String() string {
	return "s3://" + s.bucket
}

func (s *s3FS) Has(ctx context.Context, key string) (bool, error) {
	_, err := s.s3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if rerr, ok := err.(awserr.RequestFailure); ok && rerr.StatusCode() == 404 {
			return false, nil
		}
		return false, fmt.Errorf("failed to get head request: %v", err)
	}
	return true, nil
}

func (s *s3FS) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if rerr, ok := err.(awserr.RequestFailure); ok && rerr.StatusCode() == 404 {
			return nil, status.ErrNotExists
		}
		return nil, status.ErrStorageAPI.Wrap(err)
	}
	return obj.Body, nil
}

func (s *s3FS) Put(ctx context.Context, key string, source io.Reader, exclusive bool) error {
	if exclusive {
		// S3 has no atomic create-if-absent; best effort only. The
		// backend layered on top never overwrites a versioned key.
		has, err := s.Has(ctx, key)
		if err != nil {
			return err
		}
		if has {
			return status.ErrExists
		}
	}
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   source,
	})
	return err
}

func (s *s3FS) Delete(ctx context.Context, key string) error {
	_, err := s.s3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return err
}

func (s *s3FS) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	next := ""
	for {
		page, token, err := s.KeysPrefix(ctx, next, "", PageSize)
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

func (s *s3FS) KeysPrefix(ctx context.Context, marker string, prefix string, max int) ([]string, string, error) {
	if max <= 0 || max > PageSize {
		max = PageSize
	}
	in := &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int64(int64(max)),
	}
	if marker != "" {
		in.StartAfter = aws.String(marker)
	}
	out, err := s.s3.ListObjectsV2WithContext(ctx, in)
	if err != nil {
		return nil, "", status.ErrStorageAPI.Wrap(err)
	}
	keys := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		keys = append(keys, aws.StringValue(obj.Key))
	}
	next := ""
	if aws.BoolValue(out.IsTruncated) && len(keys) > 0 {
		next = keys[len(keys)-1]
	}
	return keys, next, nil
}
