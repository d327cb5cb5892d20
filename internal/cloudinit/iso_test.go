package cloudinit

import (
	"bytes"
	"testing"

	"github.com/kdomanski/iso9660"
)

func TestGenerateISO(t *testing.T) {
	cfg := SeedConfig{
		Hostname:     "test-vm",
		SSHPublicKey: testSSHKeyEd25519,
		MACAddress:   "02:aa:bb:cc:dd:ee",
	}

	isoBytes, err := GenerateISO(cfg)
	if err != nil {
		t.Fatalf("GenerateISO: %v", err)
	}
	if len(isoBytes) == 0 {
		t.Fatal("expected non-empty ISO")
	}

	img, err := iso9660.OpenImage(bytes.NewReader(isoBytes))
	if err != nil {
		t.Fatalf("open generated ISO: %v", err)
	}

	root, err := img.RootDir()
	if err != nil {
		t.Fatalf("read root dir: %v", err)
	}

	children, err := root.GetChildren()
	if err != nil {
		t.Fatalf("list root dir: %v", err)
	}

	names := map[string]bool{}
	for _, c := range children {
		names[c.Name()] = true
	}
	for _, want := range []string{"user-data", "meta-data", "network-config"} {
		if !names[want] {
			t.Errorf("expected ISO to contain %s, entries: %v", want, names)
		}
	}
}

func TestGenerateISOPropagatesErrors(t *testing.T) {
	_, err := GenerateISO(SeedConfig{})
	if err == nil {
		t.Fatal("expected error for empty config")
	}
}
