package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/undiscoveredart/marketplace/internal/config"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
		check   func(t *testing.T, cfg *config.Config)
	}{
		{
			name: "valid full config",
			yaml: `
database:
  host: "db.example.com"
  port: 5433
  user: "marketplace"
  password: "secret"
  dbname: "marketplace"
  sslmode: "require"
  driver: "postgres"
server:
  port: 9090
auth:
  jwt_secret: "hunter2"
telemetry:
  service_name: "my-marketplace"
  otlp_endpoint: "localhost:4318"
sweeper:
  enabled: true
  interval: 30s
`,
			wantErr: false,
			check: func(t *testing.T, cfg *config.Config) {
				t.Helper()
				if cfg.Database.Port != 5433 {
					t.Errorf("got db port %d, want %d", cfg.Database.Port, 5433)
				}
				if cfg.Server.Port != 9090 {
					t.Errorf("got server port %d, want %d", cfg.Server.Port, 9090)
				}
				if cfg.Telemetry.ServiceName != "my-marketplace" {
					t.Errorf("got service name %q, want %q", cfg.Telemetry.ServiceName, "my-marketplace")
				}
				if cfg.Sweeper.Interval != 30*time.Second {
					t.Errorf("got sweeper interval %v, want %v", cfg.Sweeper.Interval, 30*time.Second)
				}
			},
		},
		{
			name: "defaults applied",
			yaml: `
auth:
  jwt_secret: "s"
`,
			wantErr: false,
			check: func(t *testing.T, cfg *config.Config) {
				t.Helper()
				if cfg.Database.Host != "localhost" {
					t.Errorf("got db host %q, want %q", cfg.Database.Host, "localhost")
				}
				if cfg.Database.Driver != "postgres" {
					t.Errorf("got driver %q, want %q", cfg.Database.Driver, "postgres")
				}
				if cfg.Server.ShutdownTimeout != 15*time.Second {
					t.Errorf("got shutdown timeout %v, want %v", cfg.Server.ShutdownTimeout, 15*time.Second)
				}
				if !cfg.Sweeper.Enabled {
					t.Error("expected sweeper enabled by default")
				}
			},
		},
		{
			name: "memory driver accepted",
			yaml: `
database:
  driver: "memory"
auth:
  jwt_secret: "s"
`,
			wantErr: false,
			check: func(t *testing.T, cfg *config.Config) {
				t.Helper()
				if cfg.Database.Driver != "memory" {
					t.Errorf("got driver %q, want %q", cfg.Database.Driver, "memory")
				}
			},
		},
		{
			name: "unknown driver rejected",
			yaml: `
database:
  driver: "mysql"
auth:
  jwt_secret: "s"
`,
			wantErr: true,
		},
		{
			name: "missing jwt secret rejected",
			yaml: `
database:
  driver: "postgres"
`,
			wantErr: true,
		},
		{
			name: "zero sweeper interval rejected",
			yaml: `
auth:
  jwt_secret: "s"
sweeper:
  enabled: true
  interval: 0s
`,
			wantErr: true,
		},
		{
			name:    "invalid yaml",
			yaml:    "::not yaml::",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o600); err != nil {
				t.Fatalf("writing config: %v", err)
			}

			cfg, err := config.Load(path)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := config.DatabaseConfig{
		Host: "db", Port: 5432, User: "u", Password: "p", DBName: "m", SSLMode: "disable",
	}
	want := "host=db port=5432 user=u password=p dbname=m sslmode=disable"
	if got := d.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}
