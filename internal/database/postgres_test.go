package database

import (
	"testing"
	"time"

	"github.com/sameanonim/imageboard/internal/config"
)

func TestPoolConfigRuntimeParams(t *testing.T) {
	tests := []struct {
		name        string
		cfg         config.PostgresConfig
		wantApp     string
		wantTimeout string
		wantMax     int32
	}{
		{
			name:        "worker",
			cfg:         config.PostgresConfig{DSN: "postgres://u:p@db:5432/board", MaxOpen: 12, MaxIdle: 2, StatementTimeout: 15 * time.Second, AppName: "imageboard-worker"},
			wantApp:     "imageboard-worker",
			wantTimeout: "15000",
			wantMax:     12,
		},
		{
			name:    "no timeout",
			cfg:     config.PostgresConfig{DSN: "postgres://u:p@db:5432/board", MaxOpen: 4, AppName: "imageboard"},
			wantApp: "imageboard",
			wantMax: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc, err := poolConfigFor(tt.cfg)
			if err != nil {
				t.Fatalf("poolConfigFor: %v", err)
			}
			params := pc.ConnConfig.RuntimeParams
			if got := params["application_name"]; got != tt.wantApp {
				t.Fatalf("application_name = %q, want %q", got, tt.wantApp)
			}
			if got := params["statement_timeout"]; got != tt.wantTimeout {
				t.Fatalf("statement_timeout = %q, want %q", got, tt.wantTimeout)
			}
			if pc.MaxConns != tt.wantMax {
				t.Fatalf("MaxConns = %d, want %d", pc.MaxConns, tt.wantMax)
			}
		})
	}
}

func TestPoolConfigRejectsBadDSN(t *testing.T) {
	if _, err := poolConfigFor(config.PostgresConfig{DSN: "postgres://u:p@db:notaport/board"}); err == nil {
		t.Fatal("expected parse error")
	}
}
