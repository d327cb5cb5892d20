package network

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestGenerateNetworkXML exercises the pure XML-generation path, which
// doesn't require a live libvirt connection.
func TestGenerateNetworkXML(t *testing.T) {
	xmlDoc, err := generateNetworkXML()
	if err != nil {
		t.Fatalf("generateNetworkXML: %v", err)
	}
	for _, want := range []string{Name, Bridge, dhcpRangeLo, dhcpRangeHi} {
		if !strings.Contains(xmlDoc, want) {
			t.Errorf("expected generated XML to contain %q, got:\n%s", want, xmlDoc)
		}
	}
}

func TestCheckBridgeAllowedMissingFile(t *testing.T) {
	orig := bridgeConfPath
	defer func() { bridgeConfPath = orig }()
	bridgeConfPath = filepath.Join(t.TempDir(), "does-not-exist")

	var setupErr *SetupError
	if err := checkBridgeAllowed(); err == nil {
		t.Fatal("expected error for missing bridge.conf")
	} else if !errors.As(err, &setupErr) {
		t.Errorf("error = %v, want *SetupError", err)
	}
}

func TestCheckBridgeAllowedMissingLine(t *testing.T) {
	orig := bridgeConfPath
	defer func() { bridgeConfPath = orig }()
	path := filepath.Join(t.TempDir(), "bridge.conf")
	if err := os.WriteFile(path, []byte("allow virbr0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	bridgeConfPath = path

	if err := checkBridgeAllowed(); err == nil {
		t.Fatal("expected error when allow line for qlbr0 is absent")
	}
}

func TestCheckBridgeAllowedPresent(t *testing.T) {
	orig := bridgeConfPath
	defer func() { bridgeConfPath = orig }()
	path := filepath.Join(t.TempDir(), "bridge.conf")
	if err := os.WriteFile(path, []byte("allow virbr0\nallow "+Bridge+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	bridgeConfPath = path

	if err := checkBridgeAllowed(); err != nil {
		t.Errorf("checkBridgeAllowed: %v", err)
	}
}

// TestAcquireRelease is an integration test requiring a live libvirt
// daemon; it is skipped otherwise.
func TestAcquireRelease(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	client, err := Connect("", 0)
	if err != nil {
		t.Skipf("libvirt not available: %v", err)
	}
	defer client.Close() //nolint:errcheck

	ctrl := NewController(client, filepath.Join(t.TempDir(), "network.xml"))
	ctx := context.Background()

	h1, err := ctrl.Acquire(ctx)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	h2, err := ctrl.Acquire(ctx)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}

	if ctrl.refs != 2 {
		t.Errorf("refs = %d, want 2", ctrl.refs)
	}

	if err := h1.Release(ctx); err != nil {
		t.Fatalf("release h1: %v", err)
	}
	if ctrl.refs != 1 {
		t.Errorf("refs after one release = %d, want 1", ctrl.refs)
	}
	if err := h2.Release(ctx); err != nil {
		t.Fatalf("release h2: %v", err)
	}
	if ctrl.refs != 0 {
		t.Errorf("refs after both released = %d, want 0", ctrl.refs)
	}
}

func TestNetworkXMLPersistsDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "network.xml")
	c := &Controller{xmlPath: path}

	xmlDoc, err := c.networkXML()
	if err != nil {
		t.Fatalf("networkXML: %v", err)
	}
	if !strings.Contains(xmlDoc, Bridge) {
		t.Errorf("expected generated XML to mention %q", Bridge)
	}

	written, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected default definition written to %s: %v", path, err)
	}
	if string(written) != xmlDoc {
		t.Error("persisted definition differs from the one returned")
	}
}

func TestNetworkXMLPrefersOperatorCopy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "network.xml")
	custom := "<network><name>qlean</name></network>"
	if err := os.WriteFile(path, []byte(custom), 0o644); err != nil {
		t.Fatal(err)
	}

	c := &Controller{xmlPath: path}
	xmlDoc, err := c.networkXML()
	if err != nil {
		t.Fatalf("networkXML: %v", err)
	}
	if xmlDoc != custom {
		t.Errorf("networkXML = %q, want the operator's edited copy", xmlDoc)
	}
}

func TestSharedControllerIsProcessWide(t *testing.T) {
	sharedMu.Lock()
	orig := shared
	shared = nil
	sharedMu.Unlock()
	defer func() {
		sharedMu.Lock()
		shared = orig
		sharedMu.Unlock()
	}()

	c1 := SharedController(nil, filepath.Join(t.TempDir(), "network.xml"))
	c2 := SharedController(nil, filepath.Join(t.TempDir(), "elsewhere.xml"))
	if c1 != c2 {
		t.Error("expected every SharedController call to return the same Controller")
	}
}
