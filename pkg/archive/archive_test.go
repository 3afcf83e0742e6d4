package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/forgehealth/pkg/config"
)

type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	meta     map[string]map[string]string
	buckets  map[string]bool
	failPuts bool
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects: make(map[string][]byte),
		meta:    make(map[string]map[string]string),
		buckets: make(map[string]bool),
	}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPuts {
		return nil, errors.New("slow down")
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	f.meta[aws.ToString(in.Key)] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadBucket(_ context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.buckets[aws.ToString(in.Bucket)] {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucket(_ context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets[aws.ToString(in.Bucket)] = true
	return &s3.CreateBucketOutput{}, nil
}

func TestStoreKey(t *testing.T) {
	s := NewWithClient(newFakeS3(), "b", "/snapshots/", nil)
	assert.Equal(t, "snapshots/issues/12.arrow", s.Key("issues", 12))

	s = NewWithClient(newFakeS3(), "b", "", nil)
	assert.Equal(t, "forks/1.arrow", s.Key("forks", 1))
}

func TestStorePutGet(t *testing.T) {
	fake := newFakeS3()
	s := NewWithClient(fake, "health", "snapshots", nil)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "prs", 3, []byte("ARROW1")))
	assert.Contains(t, fake.meta["snapshots/prs/3.arrow"], "checksum-sha256")

	data, err := s.Get(ctx, "prs", 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("ARROW1"), data)

	_, err = s.Get(ctx, "prs", 4)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStorePutManyBestEffort(t *testing.T) {
	fake := newFakeS3()
	s := NewWithClient(fake, "health", "", nil)

	failed := s.PutMany(context.Background(), "commits", map[int64][]byte{1: {1}, 2: {2}})
	assert.Equal(t, 0, failed)
	assert.Len(t, fake.objects, 2)

	fake.failPuts = true
	failed = s.PutMany(context.Background(), "commits", map[int64][]byte{1: {1}, 2: {2}})
	assert.Equal(t, 2, failed)
}

func TestNilStore(t *testing.T) {
	var s *Store
	ctx := context.Background()

	assert.NoError(t, s.Put(ctx, "issues", 1, []byte("x")))
	assert.Equal(t, 0, s.PutMany(ctx, "issues", map[int64][]byte{1: {1}}))
	assert.NoError(t, s.HealthCheck(ctx))

	_, err := s.Get(ctx, "issues", 1)
	assert.ErrorIs(t, err, ErrDisabled)

	store, err := New(ctx, config.ArchiveConfig{}, nil)
	require.NoError(t, err)
	assert.Nil(t, store)
}

func TestEnsureBucket(t *testing.T) {
	fake := newFakeS3()
	s := NewWithClient(fake, "fresh", "", nil)

	assert.Error(t, s.HealthCheck(context.Background()))
	require.NoError(t, s.ensureBucket(context.Background()))
	assert.True(t, fake.buckets["fresh"])
	assert.NoError(t, s.HealthCheck(context.Background()))
}
