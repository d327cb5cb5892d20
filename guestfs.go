package qlean

import (
	"context"
	"errors"
	"os"

	"github.com/qlean/qlean/internal/guestfs"
)

// GuestFS is the filesystem-style surface exposed once a Machine is
// Running: read, write, existence/metadata checks, directory listing,
// linking, renaming, and permission changes, all implemented in terms
// of ordinary shell commands run over the guest's command channel.
// Obtain one from Machine.FS.
type GuestFS struct {
	facade *guestfs.Facade
}

func newGuestFS(exec guestfs.Execer) *GuestFS {
	return &GuestFS{facade: guestfs.New(exec)}
}

func wrapFsErr(err error) error {
	if err == nil {
		return nil
	}
	var fsErr *guestfs.Error
	if errors.As(err, &fsErr) {
		return &GuestFsError{Op: fsErr.Op, Path: fsErr.Path, Exit: fsErr.Exit, Stderr: fsErr.Output}
	}
	return err
}

// ReadFile returns the contents of path on the guest.
func (g *GuestFS) ReadFile(ctx context.Context, path string) ([]byte, error) {
	data, err := g.facade.ReadFile(ctx, path)
	return data, wrapFsErr(err)
}

// WriteFile writes data to path on the guest, creating parent
// directories as needed. If mode is non-zero its permission bits are
// applied afterward.
func (g *GuestFS) WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	return wrapFsErr(g.facade.WriteFile(ctx, path, data, mode))
}

// Exists reports whether path exists on the guest.
func (g *GuestFS) Exists(ctx context.Context, path string) (bool, error) {
	ok, err := g.facade.Exists(ctx, path)
	return ok, wrapFsErr(err)
}

// CreateDir creates path on the guest; it fails if path already exists
// or its parent is missing.
func (g *GuestFS) CreateDir(ctx context.Context, path string) error {
	return wrapFsErr(g.facade.CreateDir(ctx, path))
}

// CreateDirAll creates path and any missing parents on the guest. It is
// idempotent.
func (g *GuestFS) CreateDirAll(ctx context.Context, path string) error {
	return wrapFsErr(g.facade.CreateDirAll(ctx, path))
}

// Remove removes path (file or empty directory) on the guest.
func (g *GuestFS) Remove(ctx context.Context, path string) error {
	return wrapFsErr(g.facade.Remove(ctx, path))
}

// RemoveAll recursively removes path on the guest.
func (g *GuestFS) RemoveAll(ctx context.Context, path string) error {
	return wrapFsErr(g.facade.RemoveAll(ctx, path))
}

// Rename moves src to dst on the guest, atomically within its
// filesystem, creating dst's parent directory if needed.
func (g *GuestFS) Rename(ctx context.Context, src, dst string) error {
	return wrapFsErr(g.facade.Rename(ctx, src, dst))
}

// HardLink creates a hard link at linkPath pointing at target. It fails
// if linkPath already exists.
func (g *GuestFS) HardLink(ctx context.Context, target, linkPath string) error {
	return wrapFsErr(g.facade.HardLink(ctx, target, linkPath))
}

// Symlink creates a symbolic link at linkPath pointing at target,
// replacing any existing link at that path.
func (g *GuestFS) Symlink(ctx context.Context, target, linkPath string) error {
	return wrapFsErr(g.facade.Symlink(ctx, target, linkPath))
}

// SetPermissions changes path's POSIX permission bits on the guest.
func (g *GuestFS) SetPermissions(ctx context.Context, path string, mode os.FileMode) error {
	return wrapFsErr(g.facade.SetPermissions(ctx, path, mode))
}

// Metadata stats path on the guest: size, mode, mtime, and whether it's
// a directory.
func (g *GuestFS) Metadata(ctx context.Context, path string) (*guestfs.Metadata, error) {
	meta, err := g.facade.Metadata(ctx, path)
	return meta, wrapFsErr(err)
}

// Size returns path's size in bytes on the guest.
func (g *GuestFS) Size(ctx context.Context, path string) (int64, error) {
	size, err := g.facade.Size(ctx, path)
	return size, wrapFsErr(err)
}

// DirEntry describes one entry returned by ReadDir.
type DirEntry = guestfs.DirEntry

// ReadDir lists the immediate contents of a directory on the guest,
// excluding "." and "..".
func (g *GuestFS) ReadDir(ctx context.Context, path string) ([]DirEntry, error) {
	entries, err := g.facade.ReadDir(ctx, path)
	return entries, wrapFsErr(err)
}
