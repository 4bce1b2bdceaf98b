package archive

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/keithlinneman/govexport/internal/log"
	"github.com/keithlinneman/govexport/internal/xerrors"
)

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store writes archives to s3://{bucket}/{prefix}/{key}.
type S3Store struct {
	client s3API
	bucket string
	prefix string
	logger log.Logger
}

func NewS3Store(client *s3.Client, bucket, prefix string, logger log.Logger) (*S3Store, error) {
	if client == nil {
		return nil, xerrors.New("s3 client is required")
	}
	return newS3Store(client, bucket, prefix, logger)
}

func newS3Store(client s3API, bucket, prefix string, logger log.Logger) (*S3Store, error) {
	if bucket == "" {
		return nil, xerrors.New("archive bucket is required")
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}, nil
}

func (s *S3Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

// Put uploads size bytes from r. When key starts with a hex SHA-256 of the
// content, S3 is asked to verify it.
func (s *S3Store) Put(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	objKey := s.objectKey(key)
	in := &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(objKey),
		Body:                 r,
		ContentLength:        aws.Int64(size),
		ContentType:          aws.String(contentType(key)),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	}
	if sum, ok := contentDigest(key); ok {
		in.ChecksumSHA256 = aws.String(sum)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return "", xerrors.Wrapf(err, "put s3://%s/%s", s.bucket, objKey)
	}
	loc := "s3://" + s.bucket + "/" + objKey
	s.logger.Info(ctx, "archive stored", "location", loc, "bytes", size)
	return loc, nil
}

// Get opens a stored archive.
func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	objKey := s.objectKey(key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get s3://%s/%s", s.bucket, objKey)
	}
	return out.Body, nil
}

// contentDigest returns the base64 SHA-256 that S3 expects when key is
// "<hex sha256>.zip".
func contentDigest(key string) (string, bool) {
	name, ok := strings.CutSuffix(key, ".zip")
	if !ok || len(name) != 64 {
		return "", false
	}
	raw, err := hex.DecodeString(name)
	if err != nil {
		return "", false
	}
	return base64.StdEncoding.EncodeToString(raw), true
}

func contentType(key string) string {
	if strings.HasSuffix(key, ".zip") {
		return "application/zip"
	}
	return "application/octet-stream"
}
