package archive

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/claimgate/pkg/contracts"
)

func TestFileStore_PutGet(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	hash, err := s.Put(ctx, []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "sha256:"))

	again, err := s.Put(ctx, []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, hash, again)

	data, err := s.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	ok, err := s.Exists(ctx, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	missing := "sha256:" + strings.Repeat("0", 64)
	ok, err = s.Exists(ctx, missing)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, missing)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_RejectsBadHashes(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, h := range []string{"", "md5:abc", "sha256:zz", "sha256:../../etc/passwd", "sha256:abcd"} {
		_, err := s.Get(context.Background(), h)
		assert.Error(t, err, h)
	}
}

func TestBundle_StableAddress(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	b := contracts.NewBundle("agent-1", 1,
		contracts.NewClaim(contracts.ClaimInference, "x", contracts.TierReadOnly, 0.1))

	h1, err := Bundle(ctx, s, b)
	require.NoError(t, err)
	h2, err := Bundle(ctx, s, b.Clone())
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	b.Decision = contracts.DecisionPublish
	h3, err := Bundle(ctx, s, b)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3Store(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	s := NewS3StoreWithClient(client, "bundles", "claimgate/")

	hash, err := s.Put(ctx, []byte("payload"))
	require.NoError(t, err)
	_, err = s.Put(ctx, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, 1, client.puts)

	raw := strings.TrimPrefix(hash, "sha256:")
	_, ok := client.objects["bundles/claimgate/"+raw+".json"]
	assert.True(t, ok)

	data, err := s.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	exists, err := s.Exists(ctx, hash)
	require.NoError(t, err)
	assert.True(t, exists)

	missing := "sha256:" + strings.Repeat("a", 64)
	exists, err = s.Exists(ctx, missing)
	require.NoError(t, err)
	assert.False(t, exists)
	_, err = s.Get(ctx, missing)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewFromConfig(t *testing.T) {
	ctx := context.Background()

	s, err := NewFromConfig(ctx, Config{})
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = NewFromConfig(ctx, Config{Backend: BackendFile, DataDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	_, err = NewFromConfig(ctx, Config{Backend: BackendS3})
	assert.ErrorContains(t, err, "ARCHIVE_BUCKET is required")

	_, err = NewFromConfig(ctx, Config{Backend: BackendGCS})
	assert.ErrorContains(t, err, "ARCHIVE_BUCKET is required")

	_, err = NewFromConfig(ctx, Config{Backend: "tape"})
	assert.ErrorContains(t, err, "unsupported archive backend")
}
