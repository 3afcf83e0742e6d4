package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/forgehealth/pkg/config"
	"github.com/platinummonkey/forgehealth/pkg/feather"
	"github.com/platinummonkey/forgehealth/pkg/observability"
)

var (
	// ErrNotFound means no snapshot exists for the (query, repo)
	ErrNotFound = errors.New("snapshot not found")
	// ErrDisabled is returned by reads on a store with no bucket
	ErrDisabled = errors.New("snapshot archive disabled")
)

// API is the subset of the S3 client the store uses
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// Store keeps a cold copy of every blob a task writes. A nil *Store is a
// valid, disabled archive.
type Store struct {
	client API
	bucket string
	prefix string
	logger *observability.Logger
}

// New builds a Store from cfg. It returns nil, nil when no bucket is configured.
func New(ctx context.Context, cfg config.ArchiveConfig, logger *observability.Logger) (*Store, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		// Static credentials for MinIO or explicit keys; otherwise the default chain
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	s := NewWithClient(client, cfg.Bucket, cfg.Prefix, logger)
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewWithClient wraps an existing client
func NewWithClient(client API, bucket, prefix string, logger *observability.Logger) *Store {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.WithField("component", "archive"),
	}
}

// Key is the object key of a snapshot
func (s *Store) Key(query string, repo int64) string {
	key := query + "/" + strconv.FormatInt(repo, 10) + ".arrow"
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// Put uploads one snapshot
func (s *Store) Put(ctx context.Context, query string, repo int64, blob []byte) error {
	if s == nil {
		return nil
	}
	key := s.Key(query, repo)
	ctx, span := observability.Tracer().Start(ctx, "archive.Put",
		trace.WithAttributes(
			attribute.String("s3.bucket", s.bucket),
			attribute.String("s3.key", key),
			attribute.Int("content.size", len(blob)),
		),
	)
	defer span.End()

	sum := sha256.Sum256(blob)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(blob),
		ContentType: aws.String(feather.ContentType),
		Metadata: map[string]string{
			"checksum-sha256": hex.EncodeToString(sum[:]),
			"query":           query,
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload snapshot")
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// PutMany uploads every blob. Failures are logged and counted, never fatal to the caller.
func (s *Store) PutMany(ctx context.Context, query string, blobs map[int64][]byte) (failed int) {
	if s == nil {
		return 0
	}
	repos := make([]int64, 0, len(blobs))
	for repo := range blobs {
		repos = append(repos, repo)
	}
	sort.Slice(repos, func(i, j int) bool { return repos[i] < repos[j] })

	for _, repo := range repos {
		if err := s.Put(ctx, query, repo, blobs[repo]); err != nil {
			s.logger.WithError(err).WithField("query", query).WithField("repo", repo).Warn("Snapshot upload failed")
			failed++
		}
	}
	return failed
}

// Get downloads one snapshot
func (s *Store) Get(ctx context.Context, query string, repo int64) ([]byte, error) {
	if s == nil {
		return nil, ErrDisabled
	}
	key := s.Key(query, repo)
	ctx, span := observability.Tracer().Start(ctx, "archive.Get",
		trace.WithAttributes(
			attribute.String("s3.bucket", s.bucket),
			attribute.String("s3.key", key),
		),
	)
	defer span.End()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get snapshot")
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	span.SetAttributes(attribute.Int("content.size", len(data)))
	return data, nil
}

// HealthCheck verifies the bucket is reachable
func (s *Store) HealthCheck(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("s3 health check failed: %w", err)
	}
	return nil
}

// ensureBucket creates the bucket when missing, for local MinIO setups
func (s *Store) ensureBucket(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err == nil {
		return nil
	}

	_, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		var exists *types.BucketAlreadyExists
		if errors.As(err, &owned) || errors.As(err, &exists) {
			return nil
		}
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}
