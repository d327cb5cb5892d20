// Package guestfs provides a filesystem-flavored facade over a guest's
// shell: read, write, exists, mkdir, link, rename, chmod, metadata, and
// directory listing, all implemented in terms of ordinary POSIX
// commands run over the guest's command channel.
package guestfs

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Execer is the guest command channel a Facade runs shell commands
// over. *guestssh.Client satisfies this.
type Execer interface {
	RunCombined(ctx context.Context, command string) (output string, exitCode int, err error)
}

// Error reports that a guest filesystem operation failed. Exit and
// Output hold the backing command's exit status and combined stdout/
// stderr (the streams arrive combined here since the facade runs every
// operation through Execer.RunCombined).
type Error struct {
	Op     string
	Path   string
	Exit   int
	Output string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("guestfs: %s %s", e.Op, e.Path)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Output != "" {
		msg += ": " + strings.TrimSpace(e.Output)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Facade exposes filesystem-shaped operations against a guest reachable
// over exec, without requiring any in-guest agent beyond a POSIX shell.
type Facade struct {
	exec Execer
}

// New wraps an Execer as a Facade.
func New(exec Execer) *Facade {
	return &Facade{exec: exec}
}

func (f *Facade) run(ctx context.Context, op, path, command string) (string, error) {
	out, code, err := f.exec.RunCombined(ctx, command)
	if err != nil {
		return out, &Error{Op: op, Path: path, Output: out, Err: err}
	}
	if code != 0 {
		return out, &Error{Op: op, Path: path, Exit: code, Output: out, Err: fmt.Errorf("exit status %d", code)}
	}
	return out, nil
}

// ReadFile returns the contents of path on the guest.
func (f *Facade) ReadFile(ctx context.Context, path string) ([]byte, error) {
	out, err := f.run(ctx, "read", path, fmt.Sprintf("base64 %s", shellQuote(path)))
	if err != nil {
		return nil, err
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(out))
	if err != nil {
		return nil, &Error{Op: "read", Path: path, Err: fmt.Errorf("decode base64 output: %w", err)}
	}
	return decoded, nil
}

// WriteFile writes data to path on the guest, creating parent
// directories and overwriting any existing file. If mode is non-zero,
// its permission bits are applied with SetPermissions afterward.
func (f *Facade) WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	if err := f.CreateDirAll(ctx, parentDir(path)); err != nil {
		return err
	}
	encoded := base64.StdEncoding.EncodeToString(data)
	command := fmt.Sprintf("echo %s | base64 -d > %s", shellQuote(encoded), shellQuote(path))
	if _, err := f.run(ctx, "write", path, command); err != nil {
		return err
	}
	if mode != 0 {
		return f.SetPermissions(ctx, path, mode)
	}
	return nil
}

// Exists reports whether path exists on the guest. A non-zero exit
// from the probe command is treated as "does not exist" rather than an
// error.
func (f *Facade) Exists(ctx context.Context, path string) (bool, error) {
	_, code, err := f.exec.RunCombined(ctx, fmt.Sprintf("test -e %s", shellQuote(path)))
	if err != nil {
		return false, &Error{Op: "stat", Path: path, Err: err}
	}
	return code == 0, nil
}

// CreateDir creates path on the guest. Unlike CreateDirAll, it fails if
// path already exists or its parent is missing.
func (f *Facade) CreateDir(ctx context.Context, path string) error {
	_, err := f.run(ctx, "mkdir", path, fmt.Sprintf("mkdir %s", shellQuote(path)))
	return err
}

// CreateDirAll creates path and any missing parents on the guest. It is
// idempotent: an already-existing path is not an error.
func (f *Facade) CreateDirAll(ctx context.Context, path string) error {
	_, err := f.run(ctx, "mkdir", path, fmt.Sprintf("mkdir -p %s", shellQuote(path)))
	return err
}

// Remove removes path (file or empty directory) on the guest. A
// missing path is an error, as is a non-empty directory.
func (f *Facade) Remove(ctx context.Context, path string) error {
	_, err := f.run(ctx, "remove", path, fmt.Sprintf("rm -d %s", shellQuote(path)))
	return err
}

// RemoveAll recursively removes path on the guest.
func (f *Facade) RemoveAll(ctx context.Context, path string) error {
	_, err := f.run(ctx, "remove", path, fmt.Sprintf("rm -rf %s", shellQuote(path)))
	return err
}

// Rename moves src to dst on the guest, creating dst's parent directory
// if needed. This is atomic within one guest filesystem, same as the
// POSIX rename(2) it shells out to.
func (f *Facade) Rename(ctx context.Context, src, dst string) error {
	if err := f.CreateDirAll(ctx, parentDir(dst)); err != nil {
		return err
	}
	_, err := f.run(ctx, "rename", src, fmt.Sprintf("mv -T %s %s", shellQuote(src), shellQuote(dst)))
	return err
}

// HardLink creates a hard link at linkPath pointing at target. It fails
// if linkPath already exists, matching POSIX link(2).
func (f *Facade) HardLink(ctx context.Context, target, linkPath string) error {
	_, err := f.run(ctx, "link", linkPath, fmt.Sprintf("ln %s %s", shellQuote(target), shellQuote(linkPath)))
	return err
}

// Symlink creates a symbolic link at linkPath pointing at target,
// replacing any existing link at that path.
func (f *Facade) Symlink(ctx context.Context, target, linkPath string) error {
	_, err := f.run(ctx, "symlink", linkPath, fmt.Sprintf("ln -sf %s %s", shellQuote(target), shellQuote(linkPath)))
	return err
}

// SetPermissions changes path's POSIX permission bits on the guest.
func (f *Facade) SetPermissions(ctx context.Context, path string, mode os.FileMode) error {
	_, err := f.run(ctx, "chmod", path, fmt.Sprintf("chmod %04o %s", mode.Perm(), shellQuote(path)))
	return err
}

// DirEntry describes one entry returned by ReadDir.
type DirEntry struct {
	Name  string
	IsDir bool
}

// ReadDir lists the immediate contents of a directory on the guest,
// excluding "." and "..".
func (f *Facade) ReadDir(ctx context.Context, path string) ([]DirEntry, error) {
	command := fmt.Sprintf(
		`find %s -mindepth 1 -maxdepth 1 -printf '%%y %%f\n'`,
		shellQuote(path),
	)
	out, err := f.run(ctx, "readdir", path, command)
	if err != nil {
		return nil, err
	}
	return parseDirListing(out), nil
}

func parseDirListing(out string) []DirEntry {
	var entries []DirEntry
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		if len(fields) != 2 {
			continue
		}
		entries = append(entries, DirEntry{Name: fields[1], IsDir: fields[0] == "d"})
	}
	return entries
}

// Metadata describes a guest path's stat(2) information, as returned by
// the Metadata operation.
type Metadata struct {
	Size    int64
	Mode    os.FileMode
	ModTime time.Time
	IsDir   bool
}

// Metadata stats path on the guest and parses the result into a
// structured record.
func (f *Facade) Metadata(ctx context.Context, path string) (*Metadata, error) {
	// %f is the raw mode+type word in hex (glibc stat(1)); %Y is mtime
	// as a Unix timestamp; %F is the human file-type string, used only
	// to distinguish directories since %f's high bits are format-
	// specific to encode portably here.
	command := fmt.Sprintf(`stat -c '%%s %%f %%Y %%F' %s`, shellQuote(path))
	out, err := f.run(ctx, "stat", path, command)
	if err != nil {
		return nil, err
	}

	fields := strings.SplitN(strings.TrimSpace(out), " ", 4)
	if len(fields) != 4 {
		return nil, &Error{Op: "stat", Path: path, Err: fmt.Errorf("unexpected stat output %q", out)}
	}

	size, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return nil, &Error{Op: "stat", Path: path, Err: fmt.Errorf("parse size %q: %w", fields[0], err)}
	}
	rawMode, err := strconv.ParseUint(fields[1], 16, 32)
	if err != nil {
		return nil, &Error{Op: "stat", Path: path, Err: fmt.Errorf("parse mode %q: %w", fields[1], err)}
	}
	mtime, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, &Error{Op: "stat", Path: path, Err: fmt.Errorf("parse mtime %q: %w", fields[2], err)}
	}

	return &Metadata{
		Size:    size,
		Mode:    os.FileMode(rawMode & 0o7777),
		ModTime: time.Unix(mtime, 0),
		IsDir:   strings.Contains(fields[3], "directory"),
	}, nil
}

// Size returns path's size in bytes on the guest.
func (f *Facade) Size(ctx context.Context, path string) (int64, error) {
	meta, err := f.Metadata(ctx, path)
	if err != nil {
		return 0, err
	}
	return meta.Size, nil
}

func parentDir(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

// shellQuote wraps s in single quotes for safe use as one POSIX shell
// word, escaping any embedded single quotes.
func shellQuote(s string) string {
	var b bytes.Buffer
	b.WriteByte('\'')
	for _, r := range s {
		if r == '\'' {
			b.WriteString(`'\''`)
		} else {
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
	return b.String()
}
