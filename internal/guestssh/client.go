// Package guestssh provides the guest command/transfer channel used by
// a Machine once it has booted: command execution and file upload/
// download over SSH, plus the readiness probe loop that waits for both
// to become available.
package guestssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
)

// Config names the guest endpoint and the credentials used to reach it.
type Config struct {
	Host           string
	Port           int
	User           string
	PrivateKeyPath string
	DialTimeout    time.Duration
}

func (c Config) addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

// Client is a thin wrapper around an *ssh.Client bound to one Machine.
// Unlike a long-lived connection pool, Client dials fresh for every
// call: a freshly booted VM routinely drops its first few connection
// attempts while sshd is still starting, and retrying whole calls (see
// WaitReady) is simpler than keeping a connection alive across guest
// reboots.
type Client struct {
	cfg    Config
	signer ssh.Signer
}

// New parses the private key at cfg.PrivateKeyPath and returns a Client
// ready to run commands and transfers.
func New(cfg Config) (*Client, error) {
	keyBytes, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("guestssh: read private key %s: %w", cfg.PrivateKeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("guestssh: parse private key %s: %w", cfg.PrivateKeyPath, err)
	}
	return &Client{cfg: cfg, signer: signer}, nil
}

func (c *Client) clientConfig() *ssh.ClientConfig {
	timeout := c.cfg.DialTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	user := c.cfg.User
	if user == "" {
		user = "root"
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(c.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // ephemeral test VM, no prior host key to pin
		Timeout:         timeout,
	}
}

// dial opens one SSH connection. Callers are responsible for closing
// the returned client.
func (c *Client) dial(ctx context.Context) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: c.clientConfig().Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.addr())
	if err != nil {
		return nil, fmt.Errorf("guestssh: dial %s: %w", c.cfg.addr(), err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, c.cfg.addr(), c.clientConfig())
	if err != nil {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("guestssh: handshake %s: %w", c.cfg.addr(), err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// Run executes command in the guest, writing its stdout/stderr to the
// given writers and returning the exit code.
func (c *Client) Run(ctx context.Context, command string, stdout, stderr io.Writer) (int, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return -1, err
	}
	defer conn.Close() //nolint:errcheck

	session, err := conn.NewSession()
	if err != nil {
		return -1, fmt.Errorf("guestssh: new session: %w", err)
	}
	defer session.Close() //nolint:errcheck

	session.Stdout = stdout
	session.Stderr = stderr

	err = session.Run(command)
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, fmt.Errorf("guestssh: run %q: %w", command, err)
}

// RunCombined runs command and returns combined stdout+stderr along
// with the exit code, for callers (like the Guest FS Facade) that
// don't need the streams separated.
func (c *Client) RunCombined(ctx context.Context, command string) (output string, exitCode int, err error) {
	var buf bytes.Buffer
	exitCode, err = c.Run(ctx, command, &buf, &buf)
	return buf.String(), exitCode, err
}

// sftpClient dials and returns a new SFTP-capable SSH connection;
// callers must close the returned *ssh.Client once done with any
// *sftp.Client built on top of it.
func (c *Client) sftpClient(ctx context.Context) (*ssh.Client, error) {
	return c.dial(ctx)
}
