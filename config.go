package qlean

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
)

// Distro names one entry in the image catalog: a downloadable cloud
// image plus the checksum used to verify it.
type Distro struct {
	// Name identifies the distro within the catalog, e.g. "debian-12".
	Name string
	// URL is the download location of the qcow2 (optionally
	// gzip-compressed) cloud image.
	URL string
	// SHA256 is the expected checksum of the decompressed image.
	SHA256 string
	// Compressed indicates the artifact at URL is gzip-compressed and
	// must be decompressed before it is usable as a qcow2 disk.
	Compressed bool
}

// Catalog is a small, in-process distro table. Callers seed it with the
// entries their tests need; qlean does not maintain a canonical list.
type Catalog map[string]Distro

// Lookup returns the Distro registered under name, or NotFound.
func (c Catalog) Lookup(name string) (Distro, error) {
	d, ok := c[name]
	if !ok {
		return Distro{}, &NotFound{Kind: "distro", Name: name}
	}
	return d, nil
}

// MachineConfig describes the VM a Machine should provision. Distro,
// Name and SSHPublicKey are required; everything else has a documented
// default.
type MachineConfig struct {
	// Distro selects the base image from the Catalog passed to NewPool.
	Distro string
	// Name is a human-readable label used as the guest hostname and in
	// log output; the on-disk directory is named by the Machine's UUID.
	// It need not be unique across processes, only within the Pool it's
	// added to.
	Name string

	// VCPUs defaults to 1.
	VCPUs int
	// MemoryMiB defaults to 1024.
	MemoryMiB int
	// DiskGiB is the overlay's virtual size; defaults to the base
	// image's own size (no resize).
	DiskGiB int

	// SSHPublicKey is embedded into the guest's root authorized_keys
	// via cloud-init. Required: NewMachine rejects a config without it.
	SSHPublicKey string
	// SSHPrivateKeyPath signs the guest channel's client auth.
	SSHPrivateKeyPath string

	// ReadyTimeoutSeconds bounds how long Init/Spawn wait for the guest
	// to become reachable; defaults to 120.
	ReadyTimeoutSeconds int
	// ShutdownTimeoutSeconds bounds how long Shutdown waits for a clean
	// in-guest shutdown before escalating; defaults to 60.
	ShutdownTimeoutSeconds int

	// ExtraUserData, if set, is appended as additional top-level
	// cloud-config keys merged into the generated user-data.
	ExtraUserData map[string]any

	// Clear, if true, deletes this Machine's overlay disk and seed ISO
	// on Teardown. The cached base image is never deleted either way;
	// it is keyed by (distro, name) and may be shared with other
	// Machines. Defaults to false, leaving artifacts in place for
	// postmortem inspection.
	Clear bool
}

func (c MachineConfig) vcpus() int {
	if c.VCPUs > 0 {
		return c.VCPUs
	}
	return 1
}

func (c MachineConfig) memoryMiB() int {
	if c.MemoryMiB > 0 {
		return c.MemoryMiB
	}
	return 1024
}

func (c MachineConfig) readyTimeoutSeconds() int {
	if c.ReadyTimeoutSeconds > 0 {
		return c.ReadyTimeoutSeconds
	}
	return 120
}

func (c MachineConfig) shutdownTimeoutSeconds() int {
	if c.ShutdownTimeoutSeconds > 0 {
		return c.ShutdownTimeoutSeconds
	}
	return 60
}

// DataDir returns the root of qlean's on-disk state (honoring
// XDG_DATA_HOME before falling back to ~/.local/share), the directory a
// caller should pass to NewPool as baseDir.
func DataDir() (string, error) { return dataDir() }

// dataDir returns the root of qlean's on-disk state, honoring
// XDG_DATA_HOME before falling back to ~/.local/share.
func dataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "qlean"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "qlean"), nil
}

// machineDir returns machines/<uuid>/, the per-Machine overlay+seed
// directory.
func machineDir(base, id string) string {
	return filepath.Join(base, "machines", id)
}

// randomLocalMAC generates a MAC address in the locally-administered,
// unicast range (the U/L and I/G bits of the first octet set/cleared
// per IEEE 802-2014 §8.2.2), so it never collides with a
// vendor-assigned address.
func randomLocalMAC() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate MAC: %w", err)
	}
	buf[0] = (buf[0] | 0x02) & 0xfe
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", buf[0], buf[1], buf[2], buf[3], buf[4], buf[5]), nil
}
