package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kozaktomas/face-blocker/internal/compute"
	"github.com/kozaktomas/face-blocker/internal/config"
	"github.com/kozaktomas/face-blocker/internal/constants"
	"github.com/kozaktomas/face-blocker/internal/database"
	"github.com/kozaktomas/face-blocker/internal/embedding"
	"github.com/kozaktomas/face-blocker/internal/facematch"
	"github.com/kozaktomas/face-blocker/internal/fingerprint"
	"github.com/kozaktomas/face-blocker/internal/imagecache"
	"github.com/kozaktomas/face-blocker/internal/kvstore"
	"github.com/kozaktomas/face-blocker/internal/kvstore/postgres"
	"github.com/kozaktomas/face-blocker/internal/kvstore/sqlite"
	"github.com/kozaktomas/face-blocker/internal/logger"
	"github.com/kozaktomas/face-blocker/internal/page"
	"github.com/kozaktomas/face-blocker/internal/scanner"
	"github.com/kozaktomas/face-blocker/internal/settings"
)

// runtime holds the components shared by the commands.
type runtime struct {
	cfg    *config.Config
	log    *slog.Logger
	store  kvstore.Store
	refs   *database.ReferenceRepository
	cache  *imagecache.Cache
	memo   *fingerprint.Memo
	client *embedding.Client
	engine *facematch.Engine
}

// newLogger builds the command logger from config and the --debug flag.
func newLogger(cfg *config.Config) *slog.Logger {
	return logger.New(
		logger.WithDebug(cfg.Log.Debug || debugLogging),
		logger.WithJSON(cfg.Log.JSON),
		logger.WithPretty(true),
	)
}

// openStore opens the key-value backend selected by STORE_DRIVER.
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (kvstore.Store, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		return kvstore.NewMemory(), nil
	case "sqlite":
		return sqlite.Open(cfg.Store.SQLitePath)
	case "postgres":
		if cfg.Database.URL == "" {
			return nil, errors.New("DATABASE_URL environment variable is required for the postgres store")
		}
		return postgres.Open(ctx, &cfg.Database, log)
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q (want memory, sqlite or postgres)", cfg.Store.Driver)
	}
}

// newRuntime loads config, opens the store and wires the match engine.
func newRuntime(ctx context.Context) (*runtime, error) {
	cfg := config.Load()
	log := newLogger(cfg)

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
	}
	if err := settings.EnsureDefaults(ctx, store); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to write default settings: %w", err)
	}

	refs := database.NewReferenceRepository(store)
	client := embedding.NewClient(cfg.Embedding.URL, nil)
	engine := facematch.NewEngine(client,
		facematch.WithTimeout(cfg.Detection.Timeout),
		facematch.WithMinImageDimension(cfg.Detection.MinImageDimension),
		facematch.WithMetric(cfg.Detection.Metric),
		facematch.WithDescriptorWriter(refs),
		facematch.WithLogger(log),
	)

	return &runtime{
		cfg:   cfg,
		log:   log,
		store: store,
		refs:  refs,
		cache: imagecache.New(store,
			imagecache.WithMaxBytes(cfg.Cache.MaxBytes),
			imagecache.WithMaxAge(cfg.Cache.MaxAge),
			imagecache.WithLogger(log),
		),
		memo:   fingerprint.NewMemo(constants.FingerprintMemoSize),
		client: client,
		engine: engine,
	}, nil
}

// newScanner creates a scanner over doc with the configured pacing.
func (rt *runtime) newScanner(doc *page.Document, opts ...scanner.Option) *scanner.Scanner {
	base := []scanner.Option{
		scanner.WithLogger(rt.log),
		scanner.WithDefaults(rt.cfg.Settings),
		scanner.WithDelay(rt.cfg.Scan.Delay),
		scanner.WithDebounce(rt.cfg.Scan.MutationDebounce),
		scanner.WithMemo(rt.memo),
		scanner.WithProber(rt.engine.Source()),
	}
	return scanner.New(rt.store, rt.refs, rt.cache, rt.engine, doc, append(base, opts...)...)
}

// newMetrics registers scanner metrics with the default registry.
func (rt *runtime) newMetrics() (*scanner.Metrics, error) {
	return scanner.NewMetrics(prometheus.DefaultRegisterer)
}

// newProbe creates the resource probe sharing the engine's model handle.
func (rt *runtime) newProbe() *compute.Probe {
	return compute.NewProbe(rt.client,
		compute.WithModelHandle(rt.engine.Handle()),
		compute.WithLogger(rt.log),
	)
}

func (rt *runtime) Close() {
	rt.engine.Handle().Close()
	if err := rt.store.Close(); err != nil {
		rt.log.Warn("failed to close store", "error", err)
	}
}

// loadPage parses a page from a local file or an http(s) URL.
func loadPage(ctx context.Context, location string) (*page.Document, error) {
	if u, err := url.Parse(location); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetching page: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetching page: HTTP %d", resp.StatusCode)
		}
		return page.Parse(resp.Body, location)
	}

	f, err := os.Open(location)
	if err != nil {
		return nil, fmt.Errorf("opening page: %w", err)
	}
	defer f.Close()
	return page.Parse(f, "")
}

// readImage reads an image file and returns it as a data URL.
func readImage(path string) (string, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", 0, fmt.Errorf("reading image: %w", err)
	}
	return facematch.EncodeDataURL(data), len(data), nil
}

// warnEphemeral tells the user that changes made by a one-shot command vanish
// with the in-memory store.
func (rt *runtime) warnEphemeral() {
	if rt.cfg.Store.Driver == "" || rt.cfg.Store.Driver == "memory" {
		fmt.Fprintln(os.Stderr, "Warning: STORE_DRIVER=memory keeps nothing after this command exits; use sqlite or postgres")
	}
}
