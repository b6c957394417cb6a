package downloader

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Caches downloaded files on disk, one file per URL. The file's
// modification time is the retrieval time.
//
// Lets one-shot commands reuse a large static feed between runs.
type FilesystemDownloader struct {
	Dir string

	TimeNow func() time.Time

	mutex sync.Mutex
}

func NewFilesystemDownloader(dir string) (*FilesystemDownloader, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	return &FilesystemDownloader{
		Dir:     dir,
		TimeNow: time.Now,
	}, nil
}

func (f *FilesystemDownloader) Get(
	ctx context.Context,
	url string,
	headers map[string]string,
	options GetOptions,
) ([]byte, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	path := f.path(url)

	if options.Cache {
		info, err := os.Stat(path)
		if err == nil && info.ModTime().Add(options.CacheTTL).After(f.TimeNow()) {
			body, err := os.ReadFile(path)
			if err == nil {
				slog.Debug("download cache hit", "url", url)
				return body, nil
			}
			slog.Warn("reading cached download", "url", url, "error", err)
		}
	}

	body, err := HTTPGet(ctx, url, headers, options)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}

	if options.Cache {
		if err := f.save(path, body); err != nil {
			return nil, fmt.Errorf("saving: %w", err)
		}
	}

	return body, nil
}

func (f *FilesystemDownloader) path(url string) string {
	return filepath.Join(f.Dir, fmt.Sprintf("%x", sha256.Sum256([]byte(url))))
}

func (f *FilesystemDownloader) save(path string, body []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0644); err != nil {
		return fmt.Errorf("writing: %w", err)
	}

	now := f.TimeNow()
	if err := os.Chtimes(tmp, now, now); err != nil {
		return fmt.Errorf("setting mtime: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming: %w", err)
	}

	return nil
}
