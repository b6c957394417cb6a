package predictions

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"tidbyt.dev/predictions/config"
	"tidbyt.dev/predictions/downloader"
	"tidbyt.dev/predictions/metrics"
	"tidbyt.dev/predictions/storage"
)

const (
	DefaultRealtimeTimeout = 30 * time.Second
	DefaultRealtimeMaxSize = 16 << 20 // 16 MB
	DefaultStaticTimeout   = 120 * time.Second
	DefaultStaticMaxSize   = 800 << 20 // 800 MB
)

// Manager keeps a Cache fed from a static GTFS feed and a set of
// GTFS-rt feeds.
type Manager struct {
	RealtimeTimeout time.Duration
	RealtimeMaxSize int
	StaticTimeout   time.Duration
	StaticMaxSize   int
	Downloader      downloader.Downloader

	// When set, static downloads may be served from the
	// Downloader's cache for this long.
	StaticCacheTTL time.Duration

	// Overridable in tests.
	TimeNow func() time.Time

	feed      config.FeedConfig
	retention time.Duration

	cache    *Cache
	ingester *Ingester
	archive  storage.Archive

	mutex          sync.Mutex
	staticHash     string
	staticLoadedAt time.Time
}

// Creates a Manager for the feeds in cfg, opening the configured
// archive.
func NewManager(cfg *config.Config) (*Manager, error) {
	archive, err := OpenArchive(cfg.Archive)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}

	feed := cfg.Feed
	if feed.RefreshInterval <= 0 {
		feed.RefreshInterval = config.DefaultRefreshInterval
	}
	if feed.StaticRefreshInterval <= 0 {
		feed.StaticRefreshInterval = config.DefaultStaticRefreshInterval
	}

	cache := NewCache(nil)

	m := &Manager{
		RealtimeTimeout: DefaultRealtimeTimeout,
		RealtimeMaxSize: DefaultRealtimeMaxSize,
		StaticTimeout:   DefaultStaticTimeout,
		StaticMaxSize:   DefaultStaticMaxSize,
		Downloader:      downloader.NewMemoryDownloader(),
		TimeNow:         time.Now,

		feed:      feed,
		retention: cfg.Archive.Retention,

		cache:   cache,
		archive: archive,
	}
	m.ingester = NewIngester(cache, nil, archive)
	m.ingester.TimeNow = func() time.Time { return m.TimeNow() }

	metrics.SetKeyCounter(func() int64 { return int64(cache.Len()) })

	return m, nil
}

// Opens the archive backend named in cfg. Returns nil (and no
// error) when archiving is disabled.
func OpenArchive(cfg config.ArchiveConfig) (storage.Archive, error) {
	switch cfg.Backend {
	case "":
		return nil, nil
	case "memory":
		return storage.NewMemoryArchive(), nil
	case "sqlite":
		if cfg.Directory == "" {
			return storage.NewSQLiteArchive()
		}
		return storage.NewSQLiteArchive(storage.SQLiteConfig{
			OnDisk:    true,
			Directory: cfg.Directory,
		})
	case "postgres":
		return storage.NewPSQLArchive(cfg.DSN, false)
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}

func (m *Manager) Cache() *Cache {
	return m.cache
}

// Nil when archiving is disabled.
func (m *Manager) Archive() storage.Archive {
	return m.archive
}

func (m *Manager) Close() error {
	if m.archive == nil {
		return nil
	}
	return m.archive.Close()
}

// Downloads the static feed and swaps in a new Catalog. If the feed
// is unchanged since the last load, the current Catalog is kept.
func (m *Manager) LoadStatic(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	body, err := m.Downloader.Get(ctx, m.feed.StaticURL, m.feed.Headers, downloader.GetOptions{
		Timeout:  m.StaticTimeout,
		MaxSize:  m.StaticMaxSize,
		Cache:    m.StaticCacheTTL > 0,
		CacheTTL: m.StaticCacheTTL,
	})
	if err != nil {
		return fmt.Errorf("downloading static: %w", err)
	}

	now := m.TimeNow()
	hash := fmt.Sprintf("%x", sha256.Sum256(body))

	if hash == m.staticHash {
		slog.Debug("static feed unchanged", "hash", hash)
		m.staticLoadedAt = now
		return nil
	}

	catalog, err := LoadCatalog(body)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}

	if m.archive != nil {
		err = m.archive.WriteFeed(&storage.Feed{
			URL:          m.feed.StaticURL,
			Hash:         hash,
			RetrievedAt:  now,
			Timezone:     catalog.Info.Timezone,
			NumRoutes:    catalog.Info.NumRoutes,
			NumStops:     catalog.Info.NumStops,
			NumTrips:     catalog.Info.NumTrips,
			MaxDeparture: catalog.Info.MaxDeparture,
		})
		if err != nil {
			return fmt.Errorf("writing feed: %w", err)
		}
	}

	m.cache.SetCatalog(catalog)
	m.ingester.SetCatalog(catalog)
	m.staticHash = hash
	m.staticLoadedAt = now

	slog.Info("loaded static feed",
		"url", m.feed.StaticURL,
		"hash", hash,
		"routes", catalog.Info.NumRoutes,
		"stops", catalog.Info.NumStops,
		"trips", catalog.Info.NumTrips,
	)

	return nil
}

func (m *Manager) staticDue(now time.Time) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.staticHash == "" {
		return true
	}
	return now.Sub(m.staticLoadedAt) >= m.feed.StaticRefreshInterval
}

// Runs one refresh cycle: reloads the static feed when due, ingests
// the realtime feeds, sweeps expired predictions and prunes the
// archive.
func (m *Manager) Refresh(ctx context.Context) (err error) {
	started := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		attrs := metric.WithAttributes(attribute.String("status", status))
		metrics.RefreshTotal.Add(ctx, 1, attrs)
		metrics.RefreshDuration.Record(ctx, time.Since(started).Seconds(), attrs)
	}()

	if m.staticDue(m.TimeNow()) {
		if err := m.LoadStatic(ctx); err != nil {
			if m.cache.Catalog() == nil {
				return err
			}
			slog.Warn("reloading static feed, keeping previous", "error", err)
		}
	}

	feeds := [][]byte{}
	errs := []error{}
	for _, url := range m.feed.RealtimeURLs {
		body, err := m.Downloader.Get(ctx, url, m.feed.Headers, downloader.GetOptions{
			Timeout: m.RealtimeTimeout,
			MaxSize: m.RealtimeMaxSize,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("downloading %s: %w", url, err))
			continue
		}
		feeds = append(feeds, body)
	}
	if len(feeds) == 0 {
		return fmt.Errorf("no realtime feeds: %w", errors.Join(errs...))
	}
	for _, err := range errs {
		slog.Warn("skipping realtime feed", "error", err)
	}

	result, err := m.ingester.Ingest(ctx, feeds)
	if err != nil && result == nil {
		return fmt.Errorf("ingesting: %w", err)
	}
	if err != nil {
		slog.Warn("ingest completed with errors", "error", err)
	}

	now := m.TimeNow()

	expired := m.cache.RemoveExpired(now)
	metrics.PredictionsExpired.Add(ctx, int64(expired))

	if m.archive != nil && m.retention > 0 {
		pruned, err := m.archive.DeletePredictionsBefore(now.Add(-m.retention))
		if err != nil {
			slog.Warn("pruning archive", "error", err)
		} else if pruned > 0 {
			slog.Debug("pruned archive", "predictions", pruned)
		}
	}

	metrics.RecordRefreshSuccess(now)

	slog.Info("refreshed predictions",
		"vehicles", result.Vehicles,
		"predictions", result.Predictions,
		"expired", expired,
		"keys", m.cache.Len(),
		"duration", time.Since(started),
	)

	return nil
}

// Refreshes every RefreshInterval until ctx is done. Errors are
// logged and the loop keeps going.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.feed.RefreshInterval)
	defer ticker.Stop()

	for {
		if err := m.Refresh(ctx); err != nil {
			slog.Error("refresh failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
