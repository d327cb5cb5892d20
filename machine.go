package qlean

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qlean/qlean/internal/cloudinit"
	"github.com/qlean/qlean/internal/diskutil"
	"github.com/qlean/qlean/internal/guestssh"
	"github.com/qlean/qlean/internal/imagestore"
	"github.com/qlean/qlean/internal/network"
)

// State is one stage in a Machine's lifecycle.
type State int

const (
	// StateNew is a Machine that has not yet been initialized.
	StateNew State = iota
	// StateInitialized has a cached base image, a disk overlay, and a
	// cloud-init seed on disk, but no running qemu process.
	StateInitialized
	// StateRunning has a live qemu process that has passed its
	// readiness probe.
	StateRunning
	// StateShutDown's qemu process has exited, cleanly or otherwise.
	StateShutDown
	// StateFailed means some lifecycle operation returned an error;
	// the Machine should be torn down rather than reused.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateShutDown:
		return "shut-down"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Dependencies are the shared collaborators a Machine needs; a Pool
// builds one set and hands it to every Machine it creates.
type Dependencies struct {
	Store   *imagestore.Store
	Network *network.Controller
	Catalog Catalog
}

// Machine drives one ephemeral QEMU/KVM VM through Init, Spawn, guest
// interaction, and teardown. Its methods serialize on the Machine's own
// mutex; a Pool adds no per-Machine locking of its own.
type Machine struct {
	ID   string
	Name string

	cfg  MachineConfig
	deps Dependencies
	dir  string
	mac  string

	mu        sync.Mutex
	state     State
	netHandle *network.Handle
	proc      *process
	ip        string
	sshClient *guestssh.Client
	fs        *GuestFS
}

// NewMachine constructs a Machine in StateNew. Call Init then Spawn to
// bring it up.
func NewMachine(cfg MachineConfig, deps Dependencies) (*Machine, error) {
	if cfg.Name == "" {
		return nil, &SetupError{Op: "new machine", Err: fmt.Errorf("name is required")}
	}
	if cfg.Distro == "" {
		return nil, &SetupError{Op: "new machine", Err: fmt.Errorf("distro is required")}
	}
	if cfg.SSHPublicKey == "" {
		return nil, &SetupError{Op: "new machine", Err: fmt.Errorf("SSH public key is required")}
	}

	base, err := dataDir()
	if err != nil {
		return nil, &SetupError{Op: "new machine", Err: err}
	}

	id := uuid.NewString()
	return &Machine{
		ID:    id,
		Name:  cfg.Name,
		cfg:   cfg,
		deps:  deps,
		dir:   machineDir(base, id),
		state: StateNew,
	}, nil
}

func (m *Machine) overlayPath() string { return filepath.Join(m.dir, "disk.qcow2") }
func (m *Machine) seedPath() string    { return filepath.Join(m.dir, "seed.iso") }

// kvmAvailable reports whether /dev/kvm exists and this process can
// open it for read-write. Machines fall back to software emulation
// (accel=tcg) when it doesn't, rather than failing Spawn outright.
func kvmAvailable() bool {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return false
	}
	f.Close() //nolint:errcheck
	return true
}

// Init downloads (or reuses) the Machine's base image, lays out its
// overlay disk and cloud-init seed, reserves a slot on the shared
// network, then boots the Machine once with the seed attached so
// cloud-init can apply it, waiting for the guest's completion sentinel
// before shutting it back down. Subsequent Spawn calls boot the
// already-customized overlay without the seed attached.
func (m *Machine) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateNew {
		return &VmError{Machine: m.Name, Op: "init", Err: fmt.Errorf("machine is %s, want new", m.state)}
	}

	distro, err := m.deps.Catalog.Lookup(m.cfg.Distro)
	if err != nil {
		m.state = StateFailed
		return err
	}

	img, err := m.deps.Store.Acquire(ctx, imagestore.Spec{
		Distro:     distro.Name,
		Name:       "disk",
		URL:        distro.URL,
		SHA256:     distro.SHA256,
		Compressed: distro.Compressed,
	})
	if err != nil {
		m.state = StateFailed
		var intErr *imagestore.IntegrityError
		if errors.As(err, &intErr) {
			return &IntegrityError{Path: distro.URL, Expected: intErr.Expected, Actual: intErr.Actual}
		}
		return &ImageFetchError{Distro: distro.Name, Name: m.Name, Retriable: isRetriableFetch(err), Err: err}
	}

	if err := diskutil.CreateMachineDir(m.dir); err != nil {
		m.state = StateFailed
		return &DiskError{Op: "create machine dir", Path: m.dir, Err: err}
	}

	if m.cfg.DiskGiB > 0 {
		if err := diskutil.CheckDiskSpace(m.dir, m.cfg.DiskGiB); err != nil {
			m.state = StateFailed
			return &DiskError{Op: "check disk space", Path: m.dir, Err: err}
		}
	}

	if err := diskutil.Overlay(ctx, img.Path, m.overlayPath()); err != nil {
		m.state = StateFailed
		return &DiskError{Op: "create overlay", Path: m.overlayPath(), Err: err}
	}
	if m.cfg.DiskGiB > 0 {
		if err := diskutil.Resize(ctx, m.overlayPath(), m.cfg.DiskGiB); err != nil {
			m.state = StateFailed
			return &DiskError{Op: "resize", Path: m.overlayPath(), Err: err}
		}
	}

	mac, err := randomLocalMAC()
	if err != nil {
		m.state = StateFailed
		return &SetupError{Op: "generate MAC", Err: err}
	}
	m.mac = mac

	seed, err := cloudinit.GenerateISO(cloudinit.SeedConfig{
		Hostname:      m.cfg.Name,
		SSHPublicKey:  m.cfg.SSHPublicKey,
		MACAddress:    m.mac,
		ExtraUserData: m.cfg.ExtraUserData,
	})
	if err != nil {
		m.state = StateFailed
		return &SetupError{Op: "generate cloud-init seed", Err: err}
	}
	if err := diskutil.WriteSeed(m.seedPath(), seed); err != nil {
		m.state = StateFailed
		return &DiskError{Op: "write seed", Path: m.seedPath(), Err: err}
	}

	handle, err := m.deps.Network.Acquire(ctx)
	if err != nil {
		m.state = StateFailed
		var setupErr *network.SetupError
		if errors.As(err, &setupErr) {
			return &SetupError{Op: "acquire network", Err: err}
		}
		return &NetworkError{Op: "acquire", Err: err}
	}
	m.netHandle = handle

	if err := m.firstBoot(ctx); err != nil {
		m.state = StateFailed
		return err
	}

	m.state = StateInitialized
	return nil
}

// firstBoot spawns qemu with the cloud-init seed attached, waits for
// the guest to report its seed has been applied, then shuts the guest
// back down. The overlay disk carries the customization forward, so
// later Spawn calls never need the seed again.
func (m *Machine) firstBoot(ctx context.Context) error {
	log.Printf("qlean: %s: booting for cloud-init customization", m.Name)

	proc, err := spawnProcess(ctx, m.qemuArgs(true))
	if err != nil {
		return err
	}
	m.proc = proc

	ip, err := m.waitForLease(ctx)
	if err != nil {
		_ = m.proc.shutdown(ctx, time.Duration(m.cfg.shutdownTimeoutSeconds())*time.Second) //nolint:errcheck
		return err
	}
	m.ip = ip

	sshCfg := guestssh.Config{
		Host:           ip,
		Port:           22,
		User:           "root",
		PrivateKeyPath: m.cfg.SSHPrivateKeyPath,
	}

	deadline := time.Duration(m.cfg.readyTimeoutSeconds()) * time.Second
	probe := fmt.Sprintf("test -f %s", cloudinit.ReadySentinel)
	if err := guestssh.WaitReady(ctx, sshCfg, probe, deadline); err != nil {
		_ = m.proc.shutdown(ctx, time.Duration(m.cfg.shutdownTimeoutSeconds())*time.Second) //nolint:errcheck
		return &ReadinessTimeout{Machine: m.Name, Waited: deadline.String()}
	}

	client, err := guestssh.New(sshCfg)
	if err != nil {
		_ = m.proc.shutdown(ctx, time.Duration(m.cfg.shutdownTimeoutSeconds())*time.Second) //nolint:errcheck
		return &SetupError{Op: "build guest ssh client", Err: err}
	}
	if _, _, err := client.RunCombined(ctx, "shutdown -h now"); err != nil {
		log.Printf("qlean: %s: warning: in-guest shutdown command failed: %v", m.Name, err)
	}

	timeout := time.Duration(m.cfg.shutdownTimeoutSeconds()) * time.Second
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	_ = m.proc.wait(waitCtx) //nolint:errcheck
	cancel()
	if err := m.proc.shutdown(ctx, timeout); err != nil {
		return &VmError{Machine: m.Name, Op: "first boot shutdown", Err: err}
	}

	m.proc = nil
	m.ip = ""
	log.Printf("qlean: %s: cloud-init customization complete", m.Name)
	return nil
}

func isRetriableFetch(err error) bool {
	var fetchErr *imagestore.FetchError
	return errors.As(err, &fetchErr) && fetchErr.Retriable
}

// qemuArgs builds the qemu-system-x86_64 argument list for this
// Machine: acceleration (KVM if available, else a logged fallback to
// TCG software emulation), the shared bridge, the overlay disk, and
// (only on the first boot, for cloud-init) the seed attached as a
// read-only virtio drive.
func (m *Machine) qemuArgs(withSeed bool) []string {
	accel, cpu := "kvm", "host"
	if !kvmAvailable() {
		accel, cpu = "tcg", "max"
		log.Printf("qlean: %s: /dev/kvm unavailable, falling back to tcg (software emulation will be slow)", m.Name)
	}

	args := []string{
		"-machine", fmt.Sprintf("q35,accel=%s,usb=off,vmport=off,dump-guest-core=off", accel),
		"-cpu", cpu,
		"-smp", fmt.Sprint(m.cfg.vcpus()),
		"-m", fmt.Sprint(m.cfg.memoryMiB()),
		"-nographic",
		"-display", "none",
		"-netdev", fmt.Sprintf("bridge,id=net0,br=%s", network.Bridge),
		"-device", fmt.Sprintf("virtio-net-pci,netdev=net0,mac=%s", m.mac),
		"-drive", fmt.Sprintf("file=%s,if=virtio,format=qcow2", m.overlayPath()),
	}
	if withSeed {
		args = append(args, "-drive", fmt.Sprintf("file=%s,if=virtio,format=raw,readonly=on", m.seedPath()))
	}
	return args
}

// Spawn starts the qemu child process, waits for the shared network to
// hand out a DHCP lease, and blocks until the guest accepts an
// authenticated SSH session and runs a trivial probe command.
func (m *Machine) Spawn(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateInitialized && m.state != StateShutDown {
		return &VmError{Machine: m.Name, Op: "spawn", Err: fmt.Errorf("machine is %s, want initialized or shut-down", m.state)}
	}

	log.Printf("qlean: %s: spawning", m.Name)

	proc, err := spawnProcess(ctx, m.qemuArgs(false))
	if err != nil {
		m.state = StateFailed
		return err
	}
	m.proc = proc

	// From here on, any failure (including ctx cancellation) must kill
	// and reap this process before returning: a cancelled or failed
	// Spawn must never leave a qemu child behind for the caller's scope
	// to find after it exits.
	killOnFail := func() {
		_ = m.proc.shutdown(ctx, time.Duration(m.cfg.shutdownTimeoutSeconds())*time.Second) //nolint:errcheck
		m.proc = nil
	}

	ip, err := m.waitForLease(ctx)
	if err != nil {
		m.state = StateFailed
		killOnFail()
		return err
	}
	m.ip = ip

	sshCfg := guestssh.Config{
		Host:           ip,
		Port:           22,
		User:           "root",
		PrivateKeyPath: m.cfg.SSHPrivateKeyPath,
	}

	deadline := time.Duration(m.cfg.readyTimeoutSeconds()) * time.Second
	if err := guestssh.WaitReady(ctx, sshCfg, "true", deadline); err != nil {
		m.state = StateFailed
		killOnFail()
		return &ReadinessTimeout{Machine: m.Name, Waited: deadline.String()}
	}

	client, err := guestssh.New(sshCfg)
	if err != nil {
		m.state = StateFailed
		killOnFail()
		return &SetupError{Op: "build guest ssh client", Err: err}
	}
	m.sshClient = client
	m.fs = newGuestFS(client)

	m.state = StateRunning
	log.Printf("qlean: %s: running at %s", m.Name, ip)
	return nil
}

// waitForLease polls the shared network for a DHCP lease matching this
// Machine's MAC address until one appears or ctx's deadline passes.
func (m *Machine) waitForLease(ctx context.Context) (string, error) {
	const pollInterval = 500 * time.Millisecond
	for {
		ip, err := m.deps.Network.LeaseFor(m.mac)
		if err == nil {
			return ip, nil
		}
		select {
		case <-ctx.Done():
			return "", &NetworkError{Op: "wait for DHCP lease", Err: ctx.Err()}
		case <-time.After(pollInterval):
		}
	}
}

// GetIP returns the Machine's leased IPv4 address. Valid once Spawn has
// succeeded.
func (m *Machine) GetIP() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return "", &VmError{Machine: m.Name, Op: "get ip", Err: fmt.Errorf("machine is %s, want running", m.state)}
	}
	return m.ip, nil
}

// Exec runs command inside the guest, streaming stdout/stderr, and
// returns its exit code.
func (m *Machine) Exec(ctx context.Context, command string, stdout, stderr io.Writer) (int, error) {
	m.mu.Lock()
	client := m.sshClient
	state := m.state
	m.mu.Unlock()

	if state != StateRunning {
		return -1, &VmError{Machine: m.Name, Op: "exec", Err: fmt.Errorf("machine is %s, want running", state)}
	}
	code, err := client.Run(ctx, command, stdout, stderr)
	if err != nil {
		return code, &GuestExecError{Command: command, Err: err}
	}
	return code, nil
}

// Upload copies localPath to remotePath inside the guest, recursing
// into directories and preserving file mode bits.
func (m *Machine) Upload(ctx context.Context, localPath, remotePath string) error {
	m.mu.Lock()
	client := m.sshClient
	state := m.state
	m.mu.Unlock()

	if state != StateRunning {
		return &VmError{Machine: m.Name, Op: "upload", Err: fmt.Errorf("machine is %s, want running", state)}
	}
	return client.Upload(ctx, localPath, remotePath)
}

// Download copies remotePath from inside the guest to localPath,
// recursing into directories and preserving file mode bits.
func (m *Machine) Download(ctx context.Context, remotePath, localPath string) error {
	m.mu.Lock()
	client := m.sshClient
	state := m.state
	m.mu.Unlock()

	if state != StateRunning {
		return &VmError{Machine: m.Name, Op: "download", Err: fmt.Errorf("machine is %s, want running", state)}
	}
	return client.Download(ctx, remotePath, localPath)
}

// FS returns the Guest FS Facade for this Machine. Valid once Spawn has
// succeeded.
func (m *Machine) FS() (*GuestFS, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return nil, &VmError{Machine: m.Name, Op: "fs", Err: fmt.Errorf("machine is %s, want running", m.state)}
	}
	return m.fs, nil
}

// Shutdown asks the guest to power off cleanly, then stops the qemu
// process, escalating to SIGKILL if it doesn't exit within the
// configured timeout. The Machine's disk and seed files are left in
// place for postmortem inspection; call Teardown to remove them.
func (m *Machine) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateRunning {
		return nil
	}

	if m.sshClient != nil {
		// Best-effort: a guest that is already wedged won't answer
		// this, and the process-level signal ladder below handles it.
		_, _, _ = m.sshClient.RunCombined(ctx, "shutdown -h now") //nolint:errcheck
	}

	timeout := time.Duration(m.cfg.shutdownTimeoutSeconds()) * time.Second
	// Give the guest up to timeout to power off on its own before the
	// process-level signal ladder takes over.
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	_ = m.proc.wait(waitCtx) //nolint:errcheck
	cancel()
	if err := m.proc.shutdown(ctx, timeout); err != nil {
		m.state = StateFailed
		return &VmError{Machine: m.Name, Op: "shutdown", Err: err}
	}

	m.state = StateShutDown
	return nil
}

// Teardown releases the Machine's network reservation and, if Clear is
// set in its MachineConfig, removes its on-disk overlay and seed files.
// When Clear is false the artifacts are left in place for postmortem
// inspection. It is safe to call
// after Shutdown, or directly on a Machine that never finished
// Init/Spawn; it stops the qemu process first if one is still running.
func (m *Machine) Teardown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.proc != nil && m.proc.alive() {
		timeout := time.Duration(m.cfg.shutdownTimeoutSeconds()) * time.Second
		if err := m.proc.shutdown(ctx, timeout); err != nil {
			return &VmError{Machine: m.Name, Op: "teardown", Err: err}
		}
	}

	if m.netHandle != nil {
		if err := m.netHandle.Release(ctx); err != nil {
			return &NetworkError{Op: "release", Err: err}
		}
		m.netHandle = nil
	}

	if m.cfg.Clear && m.dir != "" {
		if err := diskutil.RemoveMachineDir(m.dir); err != nil {
			return &DiskError{Op: "remove machine dir", Path: m.dir, Err: err}
		}
	}

	m.state = StateShutDown
	return nil
}
