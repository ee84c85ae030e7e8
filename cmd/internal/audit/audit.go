// Package audit keeps a JSON record of every cloud request the CLI makes and
// the response it got, under dist/<base>/<group>/<purpose>.json. Records can
// be mirrored to an S3 bucket.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cockroachdb/errors"
	"github.com/iancoleman/strcase"
	"go.uber.org/zap"
)

// PutObjectAPI is the part of the S3 client the mirror uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Recorder struct {
	dir    string
	base   string
	logger *zap.Logger

	bucket string
	prefix string
	s3     PutObjectAPI
}

type Option func(*Recorder)

// WithS3 mirrors every record to bucket under prefix.
func WithS3(client PutObjectAPI, bucket, prefix string) Option {
	return func(r *Recorder) {
		r.s3 = client
		r.bucket = bucket
		r.prefix = prefix
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

// New records under dir/base.
func New(dir, base string, opts ...Option) *Recorder {
	r := &Recorder{dir: dir, base: base, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Save writes data as 4-space indented JSON and returns the file path. The
// file name is purpose in kebab case.
func (r *Recorder) Save(ctx context.Context, group, purpose string, data any) (string, error) {
	body, err := json.MarshalIndent(data, "", "    ")
	if err != nil {
		return "", errors.Wrapf(err, "encoding audit record %q", purpose)
	}

	rel := path.Join(r.base, group, strcase.ToKebab(purpose)+".json")
	file := filepath.Join(r.dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return "", errors.Wrapf(err, "creating %s", filepath.Dir(file))
	}
	if err := os.WriteFile(file, body, 0o644); err != nil {
		return "", errors.Wrapf(err, "writing %s", file)
	}
	r.logger.Debug("saved audit record", zap.String("path", file))

	if r.s3 != nil {
		key := path.Join(r.prefix, rel)
		_, err := r.s3.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(r.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return "", errors.Wrapf(err, "uploading audit record to s3://%s/%s", r.bucket, key)
		}
	}
	return file, nil
}
