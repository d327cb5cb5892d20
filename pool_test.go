package qlean

import (
	"context"
	"testing"
)

func TestPoolAddDuplicateName(t *testing.T) {
	p := &Pool{machines: make(map[string]*Machine), deps: Dependencies{Catalog: Catalog{}}}

	cfg := MachineConfig{Name: "web-1", Distro: "debian-12", SSHPublicKey: "ssh-ed25519 AAAA"}
	if _, err := p.Add(cfg); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	if _, err := p.Add(cfg); err == nil {
		t.Fatal("expected DuplicateName error on second Add, got nil")
	}
}

func TestPoolGetNotFound(t *testing.T) {
	p := &Pool{machines: make(map[string]*Machine), deps: Dependencies{Catalog: Catalog{}}}
	if _, err := p.Get("nonexistent"); err == nil {
		t.Fatal("expected NotFound error, got nil")
	}
}

func TestPoolMachinesPreservesOrder(t *testing.T) {
	p := &Pool{machines: make(map[string]*Machine), deps: Dependencies{Catalog: Catalog{}}}
	names := []string{"c", "a", "b"}
	for _, n := range names {
		if _, err := p.Add(MachineConfig{Name: n, Distro: "debian-12", SSHPublicKey: "ssh-ed25519 AAAA"}); err != nil {
			t.Fatalf("Add(%s): %v", n, err)
		}
	}
	machines := p.Machines()
	if len(machines) != len(names) {
		t.Fatalf("len(machines) = %d, want %d", len(machines), len(names))
	}
	for i, n := range names {
		if machines[i].Name != n {
			t.Errorf("machines[%d].Name = %q, want %q", i, machines[i].Name, n)
		}
	}
}

func TestInitAllAggregatesErrors(t *testing.T) {
	p := &Pool{machines: make(map[string]*Machine), deps: Dependencies{Catalog: Catalog{}}}
	for _, n := range []string{"a", "b", "c"} {
		if _, err := p.Add(MachineConfig{Name: n, Distro: "does-not-exist", SSHPublicKey: "ssh-ed25519 AAAA"}); err != nil {
			t.Fatalf("Add(%s): %v", n, err)
		}
	}

	err := p.InitAll(context.Background())
	if err == nil {
		t.Fatal("expected aggregated error from InitAll, got nil")
	}

	for _, m := range p.Machines() {
		if m.state != StateFailed {
			t.Errorf("machine %s state = %s, want failed", m.Name, m.state)
		}
	}
}
