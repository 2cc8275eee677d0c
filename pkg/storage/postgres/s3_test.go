package postgres

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	objects      map[string][]byte
	contentTypes map[string]string
	metadata     map[string]map[string]string
	headErr      error
	createErr    error
	putErr       error
	created      bool
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects:      map[string][]byte{},
		contentTypes: map[string]string{},
		metadata:     map[string]map[string]string{},
	}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = data
	f.contentTypes[*in.Key] = *in.ContentType
	f.metadata[*in.Key] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if f.headErr != nil && !f.created {
		return nil, f.headErr
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucket(ctx context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = true
	return &s3.CreateBucketOutput{}, nil
}

func TestS3Client_PutObject(t *testing.T) {
	fake := newFakeS3()
	client := NewS3ClientFromAPI(fake, "audit-archive")

	err := client.PutObject(context.Background(), "audit/2024-01-01.ndjson", []byte("{}\n"), "application/x-ndjson")
	require.NoError(t, err)

	assert.Equal(t, []byte("{}\n"), fake.objects["audit/2024-01-01.ndjson"])
	assert.Equal(t, "application/x-ndjson", fake.contentTypes["audit/2024-01-01.ndjson"])
	assert.Len(t, fake.metadata["audit/2024-01-01.ndjson"]["checksum-sha256"], 64)
	assert.Equal(t, "audit-archive", client.Bucket())
}

func TestS3Client_PutObjectError(t *testing.T) {
	fake := newFakeS3()
	fake.putErr = errors.New("access denied")

	err := NewS3ClientFromAPI(fake, "b").PutObject(context.Background(), "k", []byte("x"), "text/plain")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to put object k")
}

func TestS3Client_EnsureBucket(t *testing.T) {
	t.Run("creates missing bucket", func(t *testing.T) {
		fake := newFakeS3()
		fake.headErr = errors.New("NotFound")

		require.NoError(t, NewS3ClientFromAPI(fake, "b").ensureBucket(context.Background()))
		assert.True(t, fake.created)
	})

	t.Run("already owned is fine", func(t *testing.T) {
		fake := newFakeS3()
		fake.headErr = errors.New("NotFound")
		fake.createErr = &types.BucketAlreadyOwnedByYou{}

		assert.NoError(t, NewS3ClientFromAPI(fake, "b").ensureBucket(context.Background()))
	})

	t.Run("create failure", func(t *testing.T) {
		fake := newFakeS3()
		fake.headErr = errors.New("NotFound")
		fake.createErr = errors.New("quota exceeded")

		assert.Error(t, NewS3ClientFromAPI(fake, "b").ensureBucket(context.Background()))
	})
}
