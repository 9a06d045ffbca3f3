package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Stack.InitialSize != 1<<20 || cfg.Stack.MaxFrames != 1<<16 {
		t.Fatalf("Load(missing) = %+v, want defaults", cfg.Stack)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cache.Dir == "" {
		t.Fatal("expected a default cache dir")
	}
}

func TestLoadOverlaysProvidedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lama.toml")
	body := "[stack]\ninitial-size = 4096\n\n[cache]\ndisable = true\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Stack.InitialSize != 4096 {
		t.Fatalf("InitialSize = %d, want 4096", cfg.Stack.InitialSize)
	}
	if cfg.Stack.MaxFrames != 1<<16 {
		t.Fatalf("MaxFrames = %d, want default 65536 (unset in file)", cfg.Stack.MaxFrames)
	}
	if !cfg.Cache.Disable {
		t.Fatal("Cache.Disable = false, want true")
	}
}

func TestLoadMalformedFileErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lama.toml")
	if err := os.WriteFile(path, []byte("not valid toml [[["), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected a parse error")
	}
}
