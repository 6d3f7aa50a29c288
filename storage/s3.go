package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Config contains minimal configuration for creating an S3 client.
// Values are optional and will fall back to the standard AWS config/credential chain.
type S3Config struct {
	Bucket string
	Key    string
	// Region to use for requests, e.g. "us-east-1". If empty, AWS defaults apply.
	Region string
	// Profile selects a named shared config/credentials profile. If empty, default chain applies.
	Profile string
	// UsePathStyle forces path-style addressing (useful for some S3-compatible providers).
	UsePathStyle bool
}

// errObjectMissing is returned by objectClient.Get for a missing key.
var errObjectMissing = errors.New("object not found")

// objectClient is the narrow S3 surface the store needs, so tests can fake it.
type objectClient interface {
	// Get returns the object body and its ETag.
	Get(ctx context.Context, bucket, key string) ([]byte, string, error)
	// Put writes body. A non-empty ifMatch makes the write conditional on the
	// current ETag; an empty one requires that the object does not exist.
	Put(ctx context.Context, bucket, key string, body []byte, ifMatch string) error
}

// s3Objects wraps the AWS SDK for Go v2 S3 client.
type s3Objects struct {
	client *s3.Client
}

func newS3Objects(ctx context.Context, cfg S3Config) (*s3Objects, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	c := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &s3Objects{client: c}, nil
}

func (s *s3Objects) Get(ctx context.Context, bucket, key string) ([]byte, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, "", errObjectMissing
		}
		return nil, "", err
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read object body: %w", err)
	}
	return data, aws.ToString(out.ETag), nil
}

func (s *s3Objects) Put(ctx context.Context, bucket, key string, body []byte, ifMatch string) error {
	in := &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	}
	if ifMatch != "" {
		in.IfMatch = aws.String(ifMatch)
	} else {
		in.IfNoneMatch = aws.String("*")
	}

	_, err := s.client.PutObject(ctx, in)
	if err != nil && isPreconditionFailed(err) {
		return ErrConflict
	}
	return err
}

func isNotFound(err error) bool {
	// Check for HTTP 404 response error
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404 {
		return true
	}

	// Check for API error code NotFound
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

func isPreconditionFailed(err error) bool {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case 409, 412:
			return true
		}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}

// S3Store keeps the snapshot as a single JSON object. Commits are
// conditional writes on the ETag read just before, so a concurrent writer
// makes the commit fail with ErrConflict instead of losing data.
type S3Store struct {
	mu      sync.Mutex
	objects objectClient
	bucket  string
	key     string
}

// NewS3Store creates a store using the default AWS configuration chain.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	objects, err := newS3Objects(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newS3Store(objects, cfg), nil
}

func newS3Store(objects objectClient, cfg S3Config) *S3Store {
	key := cfg.Key
	if key == "" {
		key = "sourcewatch/state.json"
	}
	return &S3Store{objects: objects, bucket: cfg.Bucket, key: key}
}

func (s *S3Store) Load(ctx context.Context) (*Snapshot, error) {
	snap, _, err := s.read(ctx)
	return snap, err
}

func (s *S3Store) read(ctx context.Context) (*Snapshot, string, error) {
	data, etag, err := s.objects.Get(ctx, s.bucket, s.key)
	if errors.Is(err, errObjectMissing) {
		return NewSnapshot(), "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to get state from S3: %w", err)
	}
	snap, err := decodeSnapshot(data)
	if err != nil {
		return nil, "", err
	}
	return snap, etag, nil
}

func (s *S3Store) Commit(ctx context.Context, cs *Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, etag, err := s.read(ctx)
	if err != nil {
		return err
	}
	if err := snap.Apply(cs); err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := s.objects.Put(ctx, s.bucket, s.key, data, etag); err != nil {
		if errors.Is(err, ErrConflict) {
			return err
		}
		return fmt.Errorf("failed to upload state to S3: %w", err)
	}
	return nil
}

func (s *S3Store) Close() error { return nil }
