package keystore

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittonet/internal/testutil"
)

func TestFileKeystore(t *testing.T) {
	ca := testutil.NewCA(t)
	certPEM, keyPEM := ca.Issue(t, false, "example.com")

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "web.crt"), certPEM, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "web.key"), keyPEM, 0o600))

	ks, err := New(context.Background(), "file", map[string]any{"dir": dir})
	require.NoError(t, err)
	defer func() { _ = ks.Close() }()

	cert, err := ks.Load(context.Background(), "web")
	require.NoError(t, err)
	assert.Len(t, cert.Certificate, 2, "leaf plus CA chain")

	_, err = ks.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = ks.Load(context.Background(), "../web")
	assert.Error(t, err)
}

func TestFileKeystoreRequiresDir(t *testing.T) {
	_, err := NewFile(FileConfig{})
	assert.Error(t, err)

	_, err = NewFile(FileConfig{Dir: filepath.Join(t.TempDir(), "nope")})
	assert.Error(t, err)
}

func TestBadgerKeystore(t *testing.T) {
	ctx := context.Background()
	ca := testutil.NewCA(t)
	certPEM, keyPEM := ca.Issue(t, false, "example.com")

	ks, err := NewBadger(ctx, BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer func() { _ = ks.Close() }()

	_, err = ks.Load(ctx, "web")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, ks.Put(ctx, "web", certPEM, keyPEM))
	cert, err := ks.Load(ctx, "web")
	require.NoError(t, err)
	assert.NotNil(t, cert.PrivateKey)

	assert.Error(t, ks.Put(ctx, "broken", certPEM, []byte("not a key")))

	require.NoError(t, ks.Delete(ctx, "web"))
	_, err = ks.Load(ctx, "web")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBadgerKeystoreFromOptions(t *testing.T) {
	ks, err := New(context.Background(), "badger", map[string]any{
		"db_path": filepath.Join(t.TempDir(), "keys"),
	})
	require.NoError(t, err)
	require.NoError(t, ks.Close())
}

type fakeBucket map[string][]byte

func (f fakeBucket) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3Keystore(t *testing.T) {
	ca := testutil.NewCA(t)
	certPEM, keyPEM := ca.Issue(t, false, "example.com")

	ks := NewS3(fakeBucket{
		"tls/web.crt":  certPEM,
		"tls/web.key":  keyPEM,
		"tls/half.crt": certPEM,
	}, "certs", "tls/")

	cert, err := ks.Load(context.Background(), "web")
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)

	_, err = ks.Load(context.Background(), "half")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewValidatesOptions(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, "s3", map[string]any{"region": "us-east-1"})
	assert.ErrorContains(t, err, "bucket is required")

	_, err = New(ctx, "s3", map[string]any{"bucket": "certs"})
	assert.ErrorContains(t, err, "region is required")

	_, err = New(ctx, "vault", nil)
	assert.ErrorContains(t, err, "unknown keystore type")
}

type recordingMetrics struct {
	ops   []string
	bytes int64
}

func (m *recordingMetrics) ObserveOperation(store, operation string, _ time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ops = append(m.ops, store+"/"+operation+"/"+status)
}

func (m *recordingMetrics) RecordBytes(_ string, bytes int64) { m.bytes += bytes }

func TestInstrument(t *testing.T) {
	ca := testutil.NewCA(t)
	certPEM, keyPEM := ca.Issue(t, false, "example.com")
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "site.crt"), certPEM, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "site.key"), keyPEM, 0o600))

	file, err := NewFile(FileConfig{Dir: dir})
	require.NoError(t, err)
	assert.Same(t, file, Instrument(file, "disk", nil))

	m := &recordingMetrics{}
	ks := Instrument(file, "disk", m)

	cert, err := ks.Load(context.Background(), "site")
	require.NoError(t, err)
	_, err = ks.Load(context.Background(), "missing")
	require.Error(t, err)

	assert.Equal(t, []string{"disk/load/ok", "disk/load/error"}, m.ops)
	var want int64
	for _, der := range cert.Certificate {
		want += int64(len(der))
	}
	assert.Equal(t, want, m.bytes)
	assert.NoError(t, ks.Close())
}
