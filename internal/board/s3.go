package board

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3API is the subset of *s3.Client this package needs, so tests can stub
// it without standing up real AWS credentials.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Transport is a Transport backed by an S3 bucket, the same upload shape
// drand's relay-s3 command uses to publish beacon rounds as objects keyed
// by a stable path, generalised from an upload-only relay to a full
// read/write/list transport and moved onto aws-sdk-go-v2.
type S3Transport struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Transport builds a transport against bucket, storing every board
// path under keyPrefix (e.g. "custody/").
func NewS3Transport(client *s3.Client, bucket, keyPrefix string) *S3Transport {
	return &S3Transport{client: client, bucket: bucket, prefix: keyPrefix}
}

func (t *S3Transport) key(path string) string {
	return t.prefix + path
}

func (t *S3Transport) Get(ctx context.Context, path string) ([]byte, error) {
	out, err := t.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.key(path)),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("board: s3 get %s: %w", path, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("board: s3 read body %s: %w", path, err)
	}
	return data, nil
}

func (t *S3Transport) Put(ctx context.Context, path string, value []byte) error {
	_, err := t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(t.bucket),
		Key:         aws.String(t.key(path)),
		Body:        bytes.NewReader(value),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("board: s3 put %s: %w", path, err)
	}
	return nil
}

// PutIfAbsent uses S3's conditional write header (If-None-Match: "*") to
// create an object only when no version of it exists yet, the S3 analogue
// of the local transport's O_EXCL.
func (t *S3Transport) PutIfAbsent(ctx context.Context, path string, value []byte) error {
	_, err := t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(t.bucket),
		Key:         aws.String(t.key(path)),
		Body:        bytes.NewReader(value),
		ContentType: aws.String("application/octet-stream"),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		if isPreconditionFailed(err) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, path)
		}
		return fmt.Errorf("board: s3 put-if-absent %s: %w", path, err)
	}
	return nil
}

// Pull is a no-op: Get always reads the live object from the bucket, so
// there is no local working copy to refresh ahead of it.
func (t *S3Transport) Pull(_ context.Context) error {
	return nil
}

// Push is a no-op for the same reason Pull is: Put and PutIfAbsent already
// write straight to the bucket.
func (t *S3Transport) Push(_ context.Context) error {
	return nil
}

func (t *S3Transport) List(ctx context.Context, prefix string) ([]string, error) {
	var results []string
	var continuationToken *string
	for {
		out, err := t.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(t.bucket),
			Prefix:            aws.String(t.key(prefix)),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, fmt.Errorf("board: s3 list %s: %w", prefix, err)
		}
		for _, obj := range out.Contents {
			results = append(results, strings.TrimPrefix(aws.ToString(obj.Key), t.prefix))
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuationToken = out.NextContinuationToken
	}
	return results, nil
}

func isPreconditionFailed(err error) bool {
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "PreconditionFailed" || code == "412"
	}
	return false
}
