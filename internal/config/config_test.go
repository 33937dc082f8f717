package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.HTTPPort != "8081" {
		t.Errorf("expected default port 8081, got %s", cfg.HTTPPort)
	}
	if cfg.FaceEngine != "" {
		t.Errorf("expected no engine by default, got %q", cfg.FaceEngine)
	}
	if cfg.FaceTolerance != 0.6 {
		t.Errorf("expected default tolerance 0.6, got %g", cfg.FaceTolerance)
	}
	if cfg.EvidenceBackend != "fs" {
		t.Errorf("expected default evidence backend fs, got %q", cfg.EvidenceBackend)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FACE_ENGINE", "facenet")
	t.Setenv("FACE_TOLERANCE", "0.45")
	t.Setenv("ACCESS_TTL", "30m")
	t.Setenv("ENCODE_WORKERS", "8")

	cfg := Load()

	if cfg.FaceEngine != "facenet" {
		t.Errorf("expected facenet engine, got %q", cfg.FaceEngine)
	}
	if cfg.FaceTolerance != 0.45 {
		t.Errorf("expected tolerance 0.45, got %g", cfg.FaceTolerance)
	}
	if cfg.AccessTTL != 30*time.Minute {
		t.Errorf("expected 30m TTL, got %s", cfg.AccessTTL)
	}
	if cfg.EncodeWorkers != 8 {
		t.Errorf("expected 8 encode workers, got %d", cfg.EncodeWorkers)
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("FACE_TOLERANCE", "not-a-number")
	t.Setenv("ACCESS_TTL", "tomorrow")
	t.Setenv("RATE_LIMIT_PER_MIN", "lots")

	cfg := Load()

	if cfg.FaceTolerance != 0.6 {
		t.Errorf("expected fallback tolerance 0.6, got %g", cfg.FaceTolerance)
	}
	if cfg.AccessTTL != 12*time.Hour {
		t.Errorf("expected fallback TTL 12h, got %s", cfg.AccessTTL)
	}
	if cfg.RateLimitPerMin != 120 {
		t.Errorf("expected fallback rate limit 120, got %d", cfg.RateLimitPerMin)
	}
}
