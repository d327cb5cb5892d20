package qlean

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestStateString(t *testing.T) {
	cases := []struct {
		state State
		want  string
	}{
		{StateNew, "new"},
		{StateInitialized, "initialized"},
		{StateRunning, "running"},
		{StateShutDown, "shut-down"},
		{StateFailed, "failed"},
		{State(99), "unknown"},
	}
	for _, tc := range cases {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.state, got, tc.want)
		}
	}
}

func TestNewMachineRequiresName(t *testing.T) {
	_, err := NewMachine(MachineConfig{Distro: "debian-12", SSHPublicKey: "ssh-ed25519 AAAA"}, Dependencies{})
	if err == nil {
		t.Fatal("expected error for missing name, got nil")
	}
}

func TestNewMachineRequiresDistro(t *testing.T) {
	_, err := NewMachine(MachineConfig{Name: "web-1", SSHPublicKey: "ssh-ed25519 AAAA"}, Dependencies{})
	if err == nil {
		t.Fatal("expected error for missing distro, got nil")
	}
}

func TestNewMachineRequiresSSHPublicKey(t *testing.T) {
	_, err := NewMachine(MachineConfig{Name: "web-1", Distro: "debian-12"}, Dependencies{})
	if err == nil {
		t.Fatal("expected error for missing SSH public key, got nil")
	}
}

func TestNewMachineAssignsUniqueID(t *testing.T) {
	cfg := MachineConfig{Name: "web-1", Distro: "debian-12", SSHPublicKey: "ssh-ed25519 AAAA"}
	m1, err := NewMachine(cfg, Dependencies{})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	m2, err := NewMachine(cfg, Dependencies{})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	if m1.ID == m2.ID {
		t.Errorf("expected distinct IDs, got %q twice", m1.ID)
	}
	if m1.state != StateNew {
		t.Errorf("state = %s, want new", m1.state)
	}
}

func TestGetIPBeforeSpawnFails(t *testing.T) {
	cfg := MachineConfig{Name: "web-1", Distro: "debian-12", SSHPublicKey: "ssh-ed25519 AAAA"}
	m, err := NewMachine(cfg, Dependencies{})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	if _, err := m.GetIP(); err == nil {
		t.Fatal("expected error calling GetIP before Spawn, got nil")
	}
}

func TestInitRejectsUnknownDistro(t *testing.T) {
	cfg := MachineConfig{Name: "web-1", Distro: "does-not-exist", SSHPublicKey: "ssh-ed25519 AAAA"}
	m, err := NewMachine(cfg, Dependencies{Catalog: Catalog{}})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	if err := m.Init(context.Background()); err == nil {
		t.Fatal("expected error for unknown distro, got nil")
	}
	if m.state != StateFailed {
		t.Errorf("state = %s, want failed", m.state)
	}
}

func TestTeardownRespectsClear(t *testing.T) {
	for _, tc := range []struct {
		name     string
		clear    bool
		wantGone bool
	}{
		{"clear leaves nothing behind", true, true},
		{"default retains artifacts for inspection", false, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("XDG_DATA_HOME", t.TempDir())

			cfg := MachineConfig{Name: "web-1", Distro: "debian-12", SSHPublicKey: "ssh-ed25519 AAAA", Clear: tc.clear}
			m, err := NewMachine(cfg, Dependencies{})
			if err != nil {
				t.Fatalf("NewMachine: %v", err)
			}
			if err := os.MkdirAll(m.dir, 0o755); err != nil {
				t.Fatalf("MkdirAll: %v", err)
			}
			if err := os.WriteFile(filepath.Join(m.dir, "disk.qcow2"), []byte("x"), 0o644); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
			m.state = StateShutDown

			if err := m.Teardown(context.Background()); err != nil {
				t.Fatalf("Teardown: %v", err)
			}

			_, statErr := os.Stat(m.dir)
			gone := os.IsNotExist(statErr)
			if gone != tc.wantGone {
				t.Errorf("machine dir gone = %v, want %v", gone, tc.wantGone)
			}
		})
	}
}
