package guestssh

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// testServer is a minimal in-process SSH server exposing exec and sftp
// subsystems, enough to exercise Client without a real VM.
type testServer struct {
	listener net.Listener
	config   *ssh.ServerConfig

	// execFunc handles "exec" requests; it's called with the requested
	// command and must write to stdout/stderr and return an exit code.
	execFunc func(cmd string, stdout, stderr io.Writer) int
}

func newTestServer(t *testing.T, clientSigner ssh.Signer) *testServer {
	t.Helper()

	hostKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	authorized := clientSigner.PublicKey().Marshal()

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) != string(authorized) {
				return nil, fmt.Errorf("unauthorized key")
			}
			return nil, nil
		},
	}
	config.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := &testServer{listener: ln, config: config}
	t.Cleanup(func() { ln.Close() }) //nolint:errcheck
	return srv
}

// serveOne accepts and serves connections until the listener is closed
// (by t.Cleanup). Client dials a fresh connection per call, so tests
// that make several calls against the same server still work.
func (s *testServer) serveOne(t *testing.T) {
	t.Helper()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(t, conn)
	}
}

func (s *testServer) handleConn(t *testing.T, conn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		switch newChan.ChannelType() {
		case "session":
			go s.handleSession(t, newChan)
		default:
			newChan.Reject(ssh.UnknownChannelType, "unsupported channel type") //nolint:errcheck
		}
	}
	sshConn.Close() //nolint:errcheck
}

func (s *testServer) handleSession(t *testing.T, newChan ssh.NewChannel) {
	ch, reqs, err := newChan.Accept()
	if err != nil {
		return
	}
	defer ch.Close() //nolint:errcheck

	for req := range reqs {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil) //nolint:errcheck
				continue
			}
			req.Reply(true, nil) //nolint:errcheck

			exitCode := 0
			if s.execFunc != nil {
				exitCode = s.execFunc(payload.Command, ch, ch.Stderr())
			}
			ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(exitCode)})) //nolint:errcheck
			return
		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				req.Reply(false, nil) //nolint:errcheck
				continue
			}
			req.Reply(true, nil) //nolint:errcheck

			server, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			server.Serve() //nolint:errcheck
			return
		default:
			req.Reply(false, nil) //nolint:errcheck
		}
	}
}

// newTestKeyPair generates an RSA key, writes its PEM-encoded private
// key to a temp file, and returns the corresponding ssh.Signer plus
// that file's path.
func newTestKeyPair(t *testing.T) (ssh.Signer, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	path := t.TempDir() + "/guestssh-key"
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}

	return signer, path
}
