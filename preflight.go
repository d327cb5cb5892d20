package qlean

import (
	"errors"
	"fmt"
	"os/exec"

	"github.com/qlean/qlean/internal/network"
)

// requiredBinaries are the external tools this package actually shells
// out to: qemu-system-x86_64 to run a Machine, qemu-img to lay out its
// overlay disk. Unlike a libguestfs-based harness, qlean never invokes
// virsh, guestfish, virt-copy-out, xorriso, or sha256sum/sha512sum as
// subprocesses: libvirt is reached over its socket (internal/network),
// the cloud-init seed is built in-process (internal/cloudinit), and
// checksums are verified with crypto/sha256 (internal/imagestore).
var requiredBinaries = []string{qemuBinary, "qemu-img"}

// CheckPreconditions verifies the host is set up to run qlean Machines:
// the required binaries are on PATH, and the shared bridge is allowed
// through qemu-bridge-helper. Callers typically run this once before
// building a Pool, surfacing any failure to whoever set up the test
// host rather than discovering it mid-run as an opaque qemu error.
func CheckPreconditions() error {
	var errs []error

	for _, bin := range requiredBinaries {
		if _, err := exec.LookPath(bin); err != nil {
			errs = append(errs, fmt.Errorf("%s not found on PATH: %w", bin, err))
		}
	}

	if err := network.CheckBridgeConfig(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return &SetupError{Op: "check preconditions", Err: errors.Join(errs...)}
	}
	return nil
}
