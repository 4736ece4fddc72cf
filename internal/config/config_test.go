package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultTemplateParses(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	if err != nil {
		t.Fatalf("default template invalid: %v", err)
	}
	if cfg.Cache.TTLSeconds != 300 {
		t.Fatalf("ttl = %d", cfg.Cache.TTLSeconds)
	}
	if !cfg.Auth.Disabled {
		t.Fatal("default config should disable auth")
	}
}

func TestLoadOptionalMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Listen == "" || cfg.Cache.Size == 0 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestAuthRequiresSecret(t *testing.T) {
	_, err := FromYAML([]byte("auth:\n  disabled: false\n"))
	if err == nil {
		t.Fatal("expected error for enabled auth without secret")
	}
	cfg, err := FromYAML([]byte("auth:\n  disabled: false\n  jwt_secret: s3cret\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Auth.JWTSecret != "s3cret" {
		t.Fatalf("secret = %q", cfg.Auth.JWTSecret)
	}
}

func TestLoadFromWorkspace(t *testing.T) {
	dir := t.TempDir()
	body := "cache:\n  ttl_seconds: 60\nextensions: [reviews]\n"
	if err := os.WriteFile(filepath.Join(dir, "statetrail.yml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Cache.TTLSeconds != 60 {
		t.Fatalf("ttl = %d", cfg.Cache.TTLSeconds)
	}
	if len(cfg.Extensions) != 1 || cfg.Extensions[0] != "reviews" {
		t.Fatalf("extensions = %v", cfg.Extensions)
	}
}

func TestValidateRejectsNegativeTTL(t *testing.T) {
	if _, err := FromYAML([]byte("cache:\n  ttl_seconds: -1\n")); err == nil {
		t.Fatal("expected validation error")
	}
}
