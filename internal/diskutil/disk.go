// Package diskutil manipulates qcow2 disk images for Machines via
// direct qemu-img invocations on plain files.
//
// NOTE: this uses qemu-img commands and direct filesystem operations
// rather than libvirt storage volumes. Machines here are directly
// spawned qemu-system-x86_64 child processes, not libvirtd-managed
// domains, so there is no privileged daemon reading these files and no
// qemu:qemu ownership dance is needed, only the permissions of the
// user running the test process.
package diskutil

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
)

// DirPermissions are the permissions for a Machine's storage directory.
const DirPermissions = 0o755

// FilePermissions are the permissions for disk/seed files.
const FilePermissions = 0o644

// CreateMachineDir creates a Machine's overlay+seed directory.
func CreateMachineDir(dir string) error {
	if err := os.MkdirAll(dir, DirPermissions); err != nil {
		return fmt.Errorf("diskutil: create machine directory %s: %w", dir, err)
	}
	return nil
}

// Overlay creates a copy-on-write qcow2 disk at overlayPath backed by
// basePath. The base image is never modified; writes go to the
// overlay, so many Machines can share one cached base image
// concurrently.
func Overlay(ctx context.Context, basePath, overlayPath string) error {
	if _, err := os.Stat(basePath); err != nil {
		return fmt.Errorf("diskutil: overlay base %s: %w", basePath, err)
	}

	cmd := exec.CommandContext(ctx, "qemu-img", "create",
		"-f", "qcow2",
		"-b", basePath,
		"-F", "qcow2",
		overlayPath,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("diskutil: create overlay %s: %w\noutput: %s", overlayPath, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// Resize grows overlayPath's virtual size to at least gib GiB. It is a
// no-op if the disk already reports a virtual size that large:
// shrinking a qcow2 overlay isn't supported, and re-running qemu-img
// resize on an already-big-enough disk would be pointless.
func Resize(ctx context.Context, overlayPath string, gib int) error {
	if gib <= 0 {
		return nil
	}

	current, err := virtualSizeGiB(ctx, overlayPath)
	if err != nil {
		return fmt.Errorf("diskutil: resize %s: %w", overlayPath, err)
	}
	if current >= gib {
		return nil
	}

	cmd := exec.CommandContext(ctx, "qemu-img", "resize", overlayPath, fmt.Sprintf("%dG", gib))
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("diskutil: resize %s: %w\noutput: %s", overlayPath, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// virtualSizeGiB reports a qcow2 image's virtual size in whole GiB,
// rounded down, via `qemu-img info --output=json`.
func virtualSizeGiB(ctx context.Context, path string) (int, error) {
	cmd := exec.CommandContext(ctx, "qemu-img", "info", "--output=json", path)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("qemu-img info %s: %w", path, err)
	}

	var info struct {
		VirtualSize int64 `json:"virtual-size"`
	}
	if err := json.Unmarshal(out, &info); err != nil {
		return 0, fmt.Errorf("parse qemu-img info: %w", err)
	}
	return int(info.VirtualSize / (1 << 30)), nil
}

// WriteSeed writes cloud-init seed ISO bytes to path.
func WriteSeed(path string, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("diskutil: seed data cannot be empty")
	}
	if err := os.WriteFile(path, data, FilePermissions); err != nil {
		return fmt.Errorf("diskutil: write seed %s: %w", path, err)
	}
	return nil
}

// RemoveMachineDir removes a Machine's entire overlay+seed directory.
// It is not an error for the directory to already be gone.
func RemoveMachineDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("diskutil: remove %s: %w", dir, err)
	}
	return nil
}

// CheckDiskSpace verifies that at least needGiB GiB is available on the
// filesystem backing dir.
func CheckDiskSpace(dir string, needGiB int) error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(filepath.Dir(dir), &stat); err != nil {
		return fmt.Errorf("diskutil: stat filesystem for %s: %w", dir, err)
	}

	availableGiB := (stat.Bavail * uint64(stat.Bsize)) / (1 << 30)
	if uint64(needGiB) > availableGiB {
		return fmt.Errorf("diskutil: insufficient disk space: need %dGiB, have %dGiB available", needGiB, availableGiB)
	}
	return nil
}
