package guestssh

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/sftp"
)

// Upload copies localPath to remotePath on the guest. If localPath is a
// directory, its entire tree is copied recursively; otherwise a single
// file is copied. File and directory mode bits are preserved; ownership
// is not (every guest write lands as whatever user the SSH session
// authenticated as).
func (c *Client) Upload(ctx context.Context, localPath, remotePath string) error {
	conn, err := c.sftpClient(ctx)
	if err != nil {
		return err
	}
	defer conn.Close() //nolint:errcheck

	sc, err := sftp.NewClient(conn)
	if err != nil {
		return fmt.Errorf("guestssh: sftp handshake: %w", err)
	}
	defer sc.Close() //nolint:errcheck

	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("guestssh: stat %s: %w", localPath, err)
	}

	if !info.IsDir() {
		return uploadFile(sc, localPath, remotePath, info.Mode())
	}

	return filepath.WalkDir(localPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(localPath, path)
		if err != nil {
			return err
		}
		dst := filepath.ToSlash(filepath.Join(remotePath, rel))

		fi, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := sc.MkdirAll(dst); err != nil {
				return fmt.Errorf("guestssh: mkdir %s: %w", dst, err)
			}
			return sc.Chmod(dst, fi.Mode().Perm())
		}
		return uploadFile(sc, path, dst, fi.Mode())
	})
}

// uploadFile streams one local file to remotePath over an already-open
// sftp.Client, creating remotePath's parent directory and applying mode
// afterward.
func uploadFile(sc *sftp.Client, localPath, remotePath string, mode os.FileMode) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("guestssh: open %s: %w", localPath, err)
	}
	defer src.Close() //nolint:errcheck

	if dir := filepath.ToSlash(filepath.Dir(remotePath)); dir != "." && dir != "/" {
		if err := sc.MkdirAll(dir); err != nil {
			return fmt.Errorf("guestssh: mkdir %s: %w", dir, err)
		}
	}

	dst, err := sc.Create(remotePath)
	if err != nil {
		return fmt.Errorf("guestssh: create remote %s: %w", remotePath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close() //nolint:errcheck
		return fmt.Errorf("guestssh: copy to %s: %w", remotePath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("guestssh: close remote %s: %w", remotePath, err)
	}
	return sc.Chmod(remotePath, mode.Perm())
}

// Download copies remotePath from the guest to localPath. If remotePath
// is a directory, its entire tree is copied recursively; otherwise a
// single file is copied, overwriting localPath if present. Mode bits are
// preserved; ownership is not.
func (c *Client) Download(ctx context.Context, remotePath, localPath string) error {
	conn, err := c.sftpClient(ctx)
	if err != nil {
		return err
	}
	defer conn.Close() //nolint:errcheck

	sc, err := sftp.NewClient(conn)
	if err != nil {
		return fmt.Errorf("guestssh: sftp handshake: %w", err)
	}
	defer sc.Close() //nolint:errcheck

	info, err := sc.Stat(remotePath)
	if err != nil {
		return fmt.Errorf("guestssh: stat remote %s: %w", remotePath, err)
	}

	if !info.IsDir() {
		return downloadFile(sc, remotePath, localPath, info.Mode())
	}

	walker := sc.Walk(remotePath)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return fmt.Errorf("guestssh: walk remote %s: %w", remotePath, err)
		}
		rel, err := filepath.Rel(remotePath, walker.Path())
		if err != nil {
			return err
		}
		dst := filepath.Join(localPath, filepath.FromSlash(rel))

		if walker.Stat().IsDir() {
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return fmt.Errorf("guestssh: mkdir %s: %w", dst, err)
			}
			if err := os.Chmod(dst, walker.Stat().Mode().Perm()); err != nil {
				return fmt.Errorf("guestssh: chmod %s: %w", dst, err)
			}
			continue
		}
		if err := downloadFile(sc, walker.Path(), dst, walker.Stat().Mode()); err != nil {
			return err
		}
	}
	return nil
}

// downloadFile streams one remote file to localPath over an already-open
// sftp.Client, creating localPath's parent directory and applying mode
// afterward.
func downloadFile(sc *sftp.Client, remotePath, localPath string, mode os.FileMode) error {
	src, err := sc.Open(remotePath)
	if err != nil {
		return fmt.Errorf("guestssh: open remote %s: %w", remotePath, err)
	}
	defer src.Close() //nolint:errcheck

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("guestssh: mkdir %s: %w", filepath.Dir(localPath), err)
	}

	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("guestssh: create %s: %w", localPath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close() //nolint:errcheck
		return fmt.Errorf("guestssh: copy from %s: %w", remotePath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("guestssh: close %s: %w", localPath, err)
	}
	return os.Chmod(localPath, mode.Perm())
}
