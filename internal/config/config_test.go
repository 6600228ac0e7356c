package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
		check   func(*testing.T, *Config)
	}{
		{
			name: "all fields present",
			env: map[string]string{
				"COWRITE_ROOT":                 root,
				"COWRITE_PORT":                 "9000",
				"COWRITE_DATA_FILE":            "notes/comments.json",
				"COWRITE_RELOAD_GUARD_MS":      "500",
				"COWRITE_WATCH_DEBOUNCE_MS":    "250",
				"COWRITE_WAIT_TIMEOUT_SECONDS": "120",
				"COWRITE_LOG_LEVEL":            "debug",
			},
			wantErr: false,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Port != 9000 {
					t.Errorf("Port = %d, want 9000", cfg.Port)
				}
				if cfg.Root != root {
					t.Errorf("Root = %s, want %s", cfg.Root, root)
				}
				if want := filepath.Join(root, "notes", "comments.json"); cfg.DataFile != want {
					t.Errorf("DataFile = %s, want %s", cfg.DataFile, want)
				}
				if cfg.ReloadGuard != 500*time.Millisecond {
					t.Errorf("ReloadGuard = %s, want 500ms", cfg.ReloadGuard)
				}
				if cfg.WatchDebounce != 250*time.Millisecond {
					t.Errorf("WatchDebounce = %s, want 250ms", cfg.WatchDebounce)
				}
				if cfg.DefaultWaitTimeout != 120*time.Second {
					t.Errorf("DefaultWaitTimeout = %s, want 2m", cfg.DefaultWaitTimeout)
				}
				if cfg.LogLevel != "debug" {
					t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
				}
			},
		},
		{
			name: "defaults applied",
			env: map[string]string{
				"COWRITE_ROOT": root,
			},
			wantErr: false,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Port != 7345 {
					t.Errorf("Port = %d, want 7345 (default)", cfg.Port)
				}
				if want := filepath.Join(root, ".cowrite", "comments.json"); cfg.DataFile != want {
					t.Errorf("DataFile = %s, want %s (default)", cfg.DataFile, want)
				}
				if cfg.ReloadGuard != 200*time.Millisecond {
					t.Errorf("ReloadGuard = %s, want 200ms (default)", cfg.ReloadGuard)
				}
				if cfg.WatchDebounce != 100*time.Millisecond {
					t.Errorf("WatchDebounce = %s, want 100ms (default)", cfg.WatchDebounce)
				}
				if cfg.DefaultWaitTimeout != 60*time.Second {
					t.Errorf("DefaultWaitTimeout = %s, want 60s (default)", cfg.DefaultWaitTimeout)
				}
				if cfg.LogLevel != "info" {
					t.Errorf("LogLevel = %s, want info (default)", cfg.LogLevel)
				}
			},
		},
		{
			name: "absolute data file kept as is",
			env: map[string]string{
				"COWRITE_ROOT":      root,
				"COWRITE_DATA_FILE": filepath.Join(root, "elsewhere.json"),
			},
			wantErr: false,
			check: func(t *testing.T, cfg *Config) {
				if want := filepath.Join(root, "elsewhere.json"); cfg.DataFile != want {
					t.Errorf("DataFile = %s, want %s", cfg.DataFile, want)
				}
			},
		},
		{
			name: "invalid port number falls back to default",
			env: map[string]string{
				"COWRITE_ROOT": root,
				"COWRITE_PORT": "invalid",
			},
			wantErr: false,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Port != 7345 {
					t.Errorf("Port = %d, want 7345 (default for invalid)", cfg.Port)
				}
			},
		},
		{
			name: "port out of range",
			env: map[string]string{
				"COWRITE_ROOT": root,
				"COWRITE_PORT": "70000",
			},
			wantErr: true,
		},
		{
			name: "missing root",
			env: map[string]string{
				"COWRITE_ROOT": filepath.Join(root, "does-not-exist"),
			},
			wantErr: true,
		},
		{
			name: "wait timeout above cap",
			env: map[string]string{
				"COWRITE_ROOT":                 root,
				"COWRITE_WAIT_TIMEOUT_SECONDS": "900",
			},
			wantErr: true,
		},
		{
			name: "negative debounce",
			env: map[string]string{
				"COWRITE_ROOT":              root,
				"COWRITE_WATCH_DEBOUNCE_MS": "-5",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.env {
				os.Setenv(k, v)
			}

			cfg, err := Load()

			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if err == nil && tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestRootIsNotADirectory(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "plain.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	os.Clearenv()
	os.Setenv("COWRITE_ROOT", file)
	if _, err := Load(); err == nil {
		t.Fatal("Load accepted a file as project root")
	}
}
