package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()
	os.Setenv("ADMINISTRATION_TOKEN", "s3cr3t")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":8080")
	}
	if cfg.BackendHost != "localhost:8080" {
		t.Errorf("BackendHost = %q, want %q", cfg.BackendHost, "localhost:8080")
	}
	if cfg.UseSSL {
		t.Error("UseSSL should default to false")
	}
	if cfg.EventQueueSize != 100 {
		t.Errorf("EventQueueSize = %d, want 100", cfg.EventQueueSize)
	}
	if cfg.MinioBucket != "parsec-blocks" {
		t.Errorf("MinioBucket = %q, want parsec-blocks", cfg.MinioBucket)
	}
	if cfg.PeerTimeout() != 5*time.Minute {
		t.Errorf("PeerTimeout = %v, want 5m", cfg.PeerTimeout())
	}
	if cfg.WebhookTTL() != 30*time.Second {
		t.Errorf("WebhookTTL = %v, want 30s", cfg.WebhookTTL())
	}
}

func TestLoad_EnvVarOverride(t *testing.T) {
	os.Clearenv()
	os.Setenv("ADMINISTRATION_TOKEN", "s3cr3t")
	os.Setenv("HTTP_ADDR", ":9090")
	os.Setenv("BACKEND_HOST", "parsec.example.com:443")
	os.Setenv("USE_SSL", "true")
	os.Setenv("EVENT_QUEUE_SIZE", "20")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":9090")
	}
	if cfg.BackendHost != "parsec.example.com:443" {
		t.Errorf("BackendHost = %q", cfg.BackendHost)
	}
	if !cfg.UseSSL {
		t.Error("UseSSL = false, want true")
	}
	if cfg.EventQueueSize != 20 {
		t.Errorf("EventQueueSize = %d, want 20", cfg.EventQueueSize)
	}
}

func TestLoad_AdministrationTokenRequired(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	if err == nil {
		t.Fatal("Load should return error without ADMINISTRATION_TOKEN")
	}
	if cfg != nil {
		t.Error("Load should return nil config on error")
	}
}

func TestLoad_MinioCredentialsRequiredWithEndpoint(t *testing.T) {
	os.Clearenv()
	os.Setenv("ADMINISTRATION_TOKEN", "s3cr3t")
	os.Setenv("MINIO_ENDPOINT", "minio.local:9000")

	if _, err := Load(); err == nil {
		t.Fatal("Load should return error for MINIO_ENDPOINT without credentials")
	}

	os.Setenv("MINIO_ACCESS_KEY", "access")
	os.Setenv("MINIO_SECRET_KEY", "secret")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load with credentials: %v", err)
	}
	if cfg.MinioEndpoint != "minio.local:9000" {
		t.Errorf("MinioEndpoint = %q", cfg.MinioEndpoint)
	}
}

func TestLoad_EventQueueSizeMustBePositive(t *testing.T) {
	os.Clearenv()
	os.Setenv("ADMINISTRATION_TOKEN", "s3cr3t")
	os.Setenv("EVENT_QUEUE_SIZE", "0")

	if _, err := Load(); err == nil {
		t.Fatal("Load should reject EVENT_QUEUE_SIZE=0")
	}
}

func TestPeerTimeout_InvalidFallsBack(t *testing.T) {
	os.Clearenv()
	os.Setenv("ADMINISTRATION_TOKEN", "s3cr3t")
	os.Setenv("CONDUIT_PEER_TIMEOUT", "not-a-duration")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PeerTimeout() != 5*time.Minute {
		t.Errorf("PeerTimeout = %v, want 5m fallback", cfg.PeerTimeout())
	}
}

func TestWebhookTTL_Custom(t *testing.T) {
	os.Clearenv()
	os.Setenv("ADMINISTRATION_TOKEN", "s3cr3t")
	os.Setenv("WEBHOOK_TIMEOUT", "10s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WebhookTTL() != 10*time.Second {
		t.Errorf("WebhookTTL = %v, want 10s", cfg.WebhookTTL())
	}
}
