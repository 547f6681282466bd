package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jbweber/bedrock/internal/fault"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		check   func(t *testing.T, p Policy)
		wantErr bool
	}{
		{
			name: "partial override keeps other defaults",
			yaml: "reread_attempts: 5\nreread_delay: 2s\n",
			check: func(t *testing.T, p Policy) {
				if p.RereadAttempts != 5 {
					t.Errorf("RereadAttempts = %d, want 5", p.RereadAttempts)
				}
				if p.RereadDelay.D() != 2*time.Second {
					t.Errorf("RereadDelay = %s, want 2s", p.RereadDelay.D())
				}
				if p.DeviceNodeAttempts != 40 {
					t.Errorf("DeviceNodeAttempts = %d, want default 40", p.DeviceNodeAttempts)
				}
			},
		},
		{
			name: "duration strings",
			yaml: "device_node_delay: 100ms\n",
			check: func(t *testing.T, p Policy) {
				if p.DeviceNodeDelay.D() != 100*time.Millisecond {
					t.Errorf("DeviceNodeDelay = %s, want 100ms", p.DeviceNodeDelay.D())
				}
			},
		},
		{
			name:    "zero attempts rejected",
			yaml:    "reread_attempts: 0\n",
			wantErr: true,
		},
		{
			name:    "bad duration rejected",
			yaml:    "reread_delay: banana\n",
			wantErr: true,
		},
		{
			name:    "malformed yaml rejected",
			yaml:    "reread_attempts: [\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "policy.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatal(err)
			}

			policy, err := Load(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if fault.KindOf(err) != fault.KindParameter {
					t.Errorf("Load() fault kind = %v, want parameter", fault.KindOf(err))
				}
				return
			}
			tt.check(t, policy)
		})
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	policy, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}
	if policy.DeviceNodeAttempts != Default().DeviceNodeAttempts {
		t.Errorf("Load(\"\") did not return defaults")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if fault.KindOf(err) != fault.KindParameter {
		t.Errorf("missing config file: fault kind = %v, want parameter", fault.KindOf(err))
	}
}
