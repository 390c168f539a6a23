package config

import (
	"testing"
	"time"
)

func TestDefaults_Embedded(t *testing.T) {
	d := Defaults()

	if d.Cache.MaxBytes != 100*1024*1024 {
		t.Errorf("expected 100 MB cache budget, got %d", d.Cache.MaxBytes)
	}
	if d.Cache.MaxAge != 7*24*time.Hour {
		t.Errorf("expected 7 day max age, got %v", d.Cache.MaxAge)
	}
	if d.Scan.Delay != 100*time.Millisecond {
		t.Errorf("expected 100ms scan delay, got %v", d.Scan.Delay)
	}
	if d.Scan.MutationDebounce != 500*time.Millisecond {
		t.Errorf("expected 500ms debounce, got %v", d.Scan.MutationDebounce)
	}
	if d.Settings.MaxScans != 10 || d.Settings.MinWidth != 200 || d.Settings.MinHeight != 200 {
		t.Errorf("unexpected settings defaults: %+v", d.Settings)
	}
	if d.Settings.SimilarityThreshold != 0.6 {
		t.Errorf("expected threshold 0.6, got %f", d.Settings.SimilarityThreshold)
	}
	if !d.Settings.BlockingEnabled {
		t.Error("expected blocking enabled by default")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("CACHE_MAX_BYTES", "2048")
	t.Setenv("SCAN_DELAY", "5ms")
	t.Setenv("DETECT_TIMEOUT", "2s")
	t.Setenv("FACE_DISTANCE_METRIC", "cosine")
	t.Setenv("WEB_PORT", "9090")
	t.Setenv("LOG_DEBUG", "true")
	t.Setenv("WEB_ALLOWED_ORIGINS", "https://a.example.com, ,https://b.example.com")

	cfg := Load()

	if cfg.Store.Driver != "sqlite" {
		t.Errorf("expected sqlite driver, got %s", cfg.Store.Driver)
	}
	if cfg.Cache.MaxBytes != 2048 {
		t.Errorf("expected 2048 bytes, got %d", cfg.Cache.MaxBytes)
	}
	if cfg.Scan.Delay != 5*time.Millisecond {
		t.Errorf("expected 5ms, got %v", cfg.Scan.Delay)
	}
	if cfg.Detection.Timeout != 2*time.Second {
		t.Errorf("expected 2s, got %v", cfg.Detection.Timeout)
	}
	if cfg.Detection.Metric != "cosine" {
		t.Errorf("expected cosine, got %s", cfg.Detection.Metric)
	}
	if cfg.Web.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Web.Port)
	}
	if !cfg.Log.Debug {
		t.Error("expected debug logging")
	}
	if len(cfg.Web.AllowedOrigins) != 2 || cfg.Web.AllowedOrigins[1] != "https://b.example.com" {
		t.Errorf("unexpected allowed origins: %v", cfg.Web.AllowedOrigins)
	}
}

func TestLoad_InvalidEnvFallsBack(t *testing.T) {
	t.Setenv("CACHE_MAX_BYTES", "-5")
	t.Setenv("SCAN_DELAY", "soon")
	t.Setenv("LOG_DEBUG", "maybe")

	cfg := Load()

	if cfg.Cache.MaxBytes != 100*1024*1024 {
		t.Errorf("expected default cache budget, got %d", cfg.Cache.MaxBytes)
	}
	if cfg.Scan.Delay != 100*time.Millisecond {
		t.Errorf("expected default delay, got %v", cfg.Scan.Delay)
	}
	if cfg.Log.Debug {
		t.Error("expected debug to stay off")
	}
}
