package downloader_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/predictions/downloader"
)

type countingServer struct {
	*httptest.Server
	Requests atomic.Int32
	Body     atomic.Value
}

func newCountingServer(t *testing.T) *countingServer {
	s := &countingServer{}
	s.Body.Store("hello")
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.Requests.Add(1)
		switch r.URL.Path {
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/auth":
			if r.Header.Get("X-Api-Key") != "secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Write([]byte("authorized"))
		default:
			w.Write([]byte(s.Body.Load().(string)))
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func TestHTTPGet(t *testing.T) {
	s := newCountingServer(t)
	ctx := context.Background()

	body, err := downloader.HTTPGet(ctx, s.URL+"/file", nil, downloader.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))

	_, err = downloader.HTTPGet(ctx, s.URL+"/missing", nil, downloader.GetOptions{})
	assert.ErrorContains(t, err, "status 404")

	_, err = downloader.HTTPGet(ctx, s.URL+"/auth", nil, downloader.GetOptions{})
	assert.ErrorContains(t, err, "status 401")

	body, err = downloader.HTTPGet(ctx, s.URL+"/auth", map[string]string{"X-Api-Key": "secret"}, downloader.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "authorized", string(body))
}

func TestHTTPGetMaxSize(t *testing.T) {
	s := newCountingServer(t)
	ctx := context.Background()

	body, err := downloader.HTTPGet(ctx, s.URL, nil, downloader.GetOptions{MaxSize: 5})
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))

	_, err = downloader.HTTPGet(ctx, s.URL, nil, downloader.GetOptions{MaxSize: 4})
	assert.ErrorContains(t, err, "exceeds")
}

func TestHTTPGetCanceled(t *testing.T) {
	s := newCountingServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := downloader.HTTPGet(ctx, s.URL, nil, downloader.GetOptions{})
	assert.Error(t, err)
}

func testCaching(t *testing.T, d downloader.Downloader, advance func(time.Duration)) {
	s := newCountingServer(t)
	ctx := context.Background()
	opts := downloader.GetOptions{Cache: true, CacheTTL: time.Minute}

	body, err := d.Get(ctx, s.URL, nil, opts)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, int32(1), s.Requests.Load())

	// Served from cache
	s.Body.Store("updated")
	body, err = d.Get(ctx, s.URL, nil, opts)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, int32(1), s.Requests.Load())

	// Uncached requests always hit the server
	body, err = d.Get(ctx, s.URL, nil, downloader.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "updated", string(body))
	assert.Equal(t, int32(2), s.Requests.Load())

	// Expired
	advance(2 * time.Minute)
	body, err = d.Get(ctx, s.URL, nil, opts)
	require.NoError(t, err)
	assert.Equal(t, "updated", string(body))
	assert.Equal(t, int32(3), s.Requests.Load())

	// Errors aren't cached
	_, err = d.Get(ctx, s.URL+"/missing", nil, opts)
	assert.Error(t, err)
	_, err = d.Get(ctx, s.URL+"/missing", nil, opts)
	assert.Error(t, err)
	assert.Equal(t, int32(5), s.Requests.Load())
}

func TestMemoryDownloader(t *testing.T) {
	now := time.Now()
	d := downloader.NewMemoryDownloader()
	d.TimeNow = func() time.Time { return now }

	testCaching(t, d, func(dt time.Duration) { now = now.Add(dt) })
}

func TestFilesystemDownloader(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	d, err := downloader.NewFilesystemDownloader(dir)
	require.NoError(t, err)
	d.TimeNow = func() time.Time { return now }

	testCaching(t, d, func(dt time.Duration) { now = now.Add(dt) })
}

func TestFilesystemDownloaderPersists(t *testing.T) {
	s := newCountingServer(t)
	dir := t.TempDir()
	ctx := context.Background()
	opts := downloader.GetOptions{Cache: true, CacheTTL: time.Hour}

	d1, err := downloader.NewFilesystemDownloader(dir)
	require.NoError(t, err)
	_, err = d1.Get(ctx, s.URL, nil, opts)
	require.NoError(t, err)

	// A fresh downloader on the same directory reuses the file
	d2, err := downloader.NewFilesystemDownloader(dir)
	require.NoError(t, err)
	body, err := d2.Get(ctx, s.URL, nil, opts)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, int32(1), s.Requests.Load())

	_, err = downloader.NewFilesystemDownloader(strings.Repeat("\x00", 3))
	assert.Error(t, err)
}
