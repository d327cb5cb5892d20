// Command qleanctl is a manual smoke-test harness for qlean: it drives
// one Machine through acquire, boot, exec, and teardown from the shell,
// the same sequence a test author would script in Go.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/qlean/qlean"
	"github.com/qlean/qlean/internal/network"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "qleanctl",
	Short:   "qleanctl drives qlean Machines from the command line",
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(runCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that this host can run qlean Machines",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("Checking host preconditions...")
		if err := qlean.CheckPreconditions(); err != nil {
			return err
		}
		fmt.Println("✓ all preconditions satisfied")
		return nil
	},
}

var (
	runDistro      string
	runURL         string
	runSHA256      string
	runCompressed  bool
	runSSHPubKey   string
	runSSHPrivKey  string
	runMemory      string
	runDisk        string
	runVCPUs       int
	runSocketPath  string
	runConnTimeout time.Duration
	runClear       bool
)

var runCmd = &cobra.Command{
	Use:   "run -- <command> [args...]",
	Short: "Acquire an image, boot one Machine, run a command in it, and tear it down",
	Long: `run is qleanctl's one end-to-end smoke test: it downloads (or reuses)
a base image, boots a single Machine through init and spawn, runs the
given command inside the guest, then shuts the Machine down and removes
its disk and seed.

Example:
  qleanctl run --distro debian-13 --url https://example/debian-13.qcow2 \
    --sha256 <hex> --ssh-pubkey ~/.ssh/id_ed25519.pub \
    --ssh-privkey ~/.ssh/id_ed25519 -- whoami`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if runDistro == "" || runURL == "" || runSHA256 == "" {
			return fmt.Errorf("--distro, --url, and --sha256 are required")
		}
		if runSSHPubKey == "" || runSSHPrivKey == "" {
			return fmt.Errorf("--ssh-pubkey and --ssh-privkey are required")
		}

		memBytes, err := units.RAMInBytes(runMemory)
		if err != nil {
			return fmt.Errorf("invalid --memory %q: %w", runMemory, err)
		}
		var diskGiB int
		if runDisk != "" {
			diskBytes, err := units.RAMInBytes(runDisk)
			if err != nil {
				return fmt.Errorf("invalid --disk %q: %w", runDisk, err)
			}
			diskGiB = int(diskBytes / (1 << 30))
		}

		fmt.Printf("Connecting to libvirt (socket %s)...\n", displaySocket(runSocketPath))
		client, err := network.Connect(runSocketPath, runConnTimeout)
		if err != nil {
			return fmt.Errorf("connect to libvirt: %w", err)
		}
		defer client.Close() //nolint:errcheck

		base, err := qlean.DataDir()
		if err != nil {
			return err
		}
		pool := qlean.NewPool(base, client, qlean.Catalog{
			runDistro: {Name: runDistro, URL: runURL, SHA256: runSHA256, Compressed: runCompressed},
		})

		pubKey, err := os.ReadFile(runSSHPubKey)
		if err != nil {
			return fmt.Errorf("read ssh public key: %w", err)
		}

		m, err := pool.Add(qlean.MachineConfig{
			Name:              "qleanctl",
			Distro:            runDistro,
			VCPUs:             runVCPUs,
			MemoryMiB:         int(memBytes / (1 << 20)),
			DiskGiB:           diskGiB,
			SSHPublicKey:      strings.TrimSpace(string(pubKey)),
			SSHPrivateKeyPath: runSSHPrivKey,
			Clear:             runClear,
		})
		if err != nil {
			return fmt.Errorf("register machine: %w", err)
		}

		ctx := context.Background()

		fmt.Println("Acquiring image and building overlay...")
		if err := m.Init(ctx); err != nil {
			return fmt.Errorf("init: %w", err)
		}
		defer func() {
			fmt.Println("Tearing down...")
			if err := m.Teardown(context.Background()); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: teardown failed: %v\n", err)
			}
		}()

		fmt.Println("Booting...")
		if err := m.Spawn(ctx); err != nil {
			return fmt.Errorf("spawn: %w", err)
		}

		ip, err := m.GetIP()
		if err != nil {
			return err
		}
		fmt.Printf("✓ running at %s\n", ip)

		command := strings.Join(args, " ")
		fmt.Printf("$ %s\n", command)
		code, err := m.Exec(ctx, command, os.Stdout, os.Stderr)
		if err != nil {
			return fmt.Errorf("exec: %w", err)
		}
		fmt.Printf("(exit %d)\n", code)

		if err := m.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}

		if code != 0 {
			// os.Exit skips deferred calls, so tear down here first.
			fmt.Println("Tearing down...")
			if err := m.Teardown(context.Background()); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: teardown failed: %v\n", err)
			}
			os.Exit(code)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runDistro, "distro", "", "distro name to register in the catalog")
	runCmd.Flags().StringVar(&runURL, "url", "", "base image download URL")
	runCmd.Flags().StringVar(&runSHA256, "sha256", "", "expected checksum of the decompressed image")
	runCmd.Flags().BoolVar(&runCompressed, "compressed", false, "the image at --url is gzip-compressed")
	runCmd.Flags().StringVar(&runSSHPubKey, "ssh-pubkey", "", "path to an SSH public key to embed via cloud-init")
	runCmd.Flags().StringVar(&runSSHPrivKey, "ssh-privkey", "", "path to the matching SSH private key")
	runCmd.Flags().StringVar(&runMemory, "memory", "1GiB", "guest memory, e.g. 512MiB, 2GiB")
	runCmd.Flags().StringVar(&runDisk, "disk", "", "overlay disk size, e.g. 10GiB (defaults to the base image's own size)")
	runCmd.Flags().IntVar(&runVCPUs, "vcpus", 1, "guest vCPU count")
	runCmd.Flags().StringVar(&runSocketPath, "libvirt-socket", "", "libvirt socket path (defaults to the system socket)")
	runCmd.Flags().DurationVar(&runConnTimeout, "libvirt-timeout", 5*time.Second, "libvirt connection timeout")
	runCmd.Flags().BoolVar(&runClear, "clear", true, "delete the overlay disk and seed ISO on teardown")
}

func displaySocket(path string) string {
	if path == "" {
		return "(default)"
	}
	return path
}
