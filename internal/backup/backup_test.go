package backup

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	localdb "github.com/mschirtzinger/jotsync/internal/local/db"
	"github.com/mschirtzinger/jotsync/internal/local/repo"
	"github.com/mschirtzinger/jotsync/internal/local/schema"
)

func openStore(t *testing.T) *localdb.DB {
	t.Helper()
	h := localdb.NewHandle(localdb.DefaultOptions(filepath.Join(t.TempDir(), "jot.db")), log.New(io.Discard, "", 0))
	t.Cleanup(func() { h.Close() })
	store, err := h.Get(context.Background())
	require.NoError(t, err)

	_, err = repo.NewEntryRepository(store.RawDB()).Create(context.Background(), schema.Payload{Title: "backed up"})
	require.NoError(t, err)
	return store
}

func TestKey(t *testing.T) {
	at := time.Date(2026, 10, 18, 9, 30, 0, 0, time.FixedZone("CEST", 2*3600))
	assert.Equal(t, "jot-20261018T073000Z.db", Key("", at))
	assert.Equal(t, "nightly/jot-20261018T073000Z.db", Key("nightly", at))
}

func TestRun_DirTarget(t *testing.T) {
	store := openStore(t)
	dir := t.TempDir()
	at := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	ctx := context.Background()

	res, err := Run(ctx, store, DirTarget{Dir: dir}, "", at)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "jot-20261018T090000Z.db"), res.Location)
	assert.Greater(t, res.Size, int64(0))

	restored, err := localdb.Open(res.Location)
	require.NoError(t, err)
	defer restored.Close()

	active, err := repo.NewEntryRepository(restored.RawDB()).FindAllActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "backed up", active[0].Title)

	// Same timestamp: never overwrite.
	_, err = Run(ctx, store, DirTarget{Dir: dir}, "", at)
	assert.Error(t, err)
}

// fakeS3 is a minimal in-memory S3 for HeadObject and PutObject.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := strings.TrimPrefix(req.URL.Path, "/")
	resp := &http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: io.NopCloser(bytes.NewReader(nil)), Request: req}
	switch req.Method {
	case http.MethodHead:
		if _, ok := f.objects[key]; !ok {
			resp.StatusCode = http.StatusNotFound
		}
	case http.MethodPut:
		body, _ := io.ReadAll(req.Body)
		f.objects[key] = body
		resp.Header.Set("ETag", `"etag"`)
	default:
		resp.StatusCode = http.StatusNotImplemented
	}
	return resp, nil
}

func TestRun_S3Target(t *testing.T) {
	store := openStore(t)
	fake := &fakeS3{objects: make(map[string][]byte)}
	ctx := context.Background()

	target, err := NewS3Target(ctx, S3Config{
		Bucket:          "journal",
		Endpoint:        "https://mock.s3.local",
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		PathStyle:       true,
	}, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: fake}
	})
	require.NoError(t, err)

	at := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	res, err := Run(ctx, store, target, "laptop", at)
	require.NoError(t, err)
	assert.Equal(t, "s3://journal/laptop/jot-20261018T090000Z.db", res.Location)

	body, ok := fake.objects["journal/laptop/jot-20261018T090000Z.db"]
	require.True(t, ok, "object not uploaded: %v", keys(fake.objects))
	assert.True(t, bytes.Contains(body, []byte("SQLite format 3")))

	_, err = Run(ctx, store, target, "laptop", at)
	assert.Error(t, err, "existing object must not be overwritten")
}

func TestNewS3Target_RequiresBucket(t *testing.T) {
	_, err := NewS3Target(context.Background(), S3Config{})
	assert.Error(t, err)
}

func TestDirTarget_ShortWrite(t *testing.T) {
	dir := t.TempDir()
	_, err := DirTarget{Dir: dir}.Put(context.Background(), "x.db", bytes.NewReader([]byte("abc")), 10)
	assert.Error(t, err)
	_, statErr := os.Stat(filepath.Join(dir, "x.db"))
	assert.True(t, os.IsNotExist(statErr), "partial file is removed")
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
