package cloudinit

import (
	"bytes"
	"fmt"

	"github.com/kdomanski/iso9660"
)

// GenerateISO creates a cloud-init NoCloud ISO image for cfg.
//
// The generated ISO contains three files in the root directory:
//   - user-data: cloud-config YAML with hostname, SSH key, and the
//     readiness runcmd step
//   - meta-data: instance metadata (instance-id, local-hostname)
//   - network-config: netplan v2 DHCP configuration for the single NIC
//
// The volume label is "CIDATA" as required by the cloud-init NoCloud
// datasource.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/datasources/nocloud.html
func GenerateISO(cfg SeedConfig) ([]byte, error) {
	userData, err := GenerateUserData(cfg)
	if err != nil {
		return nil, fmt.Errorf("cloudinit: generate user-data: %w", err)
	}

	networkConfig, err := GenerateNetworkConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("cloudinit: generate network-config: %w", err)
	}

	instanceID := contentHash(userData, networkConfig)
	metaData, err := GenerateMetaData(cfg, instanceID)
	if err != nil {
		return nil, fmt.Errorf("cloudinit: generate meta-data: %w", err)
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return nil, fmt.Errorf("cloudinit: create ISO writer: %w", err)
	}
	defer func() {
		// Best-effort: the ISO is already buffered by the time this
		// runs, so a cleanup failure doesn't invalidate the result.
		_ = writer.Cleanup()
	}()

	if err := writer.AddFile(bytes.NewReader([]byte(userData)), "user-data"); err != nil {
		return nil, fmt.Errorf("cloudinit: add user-data: %w", err)
	}
	if err := writer.AddFile(bytes.NewReader([]byte(metaData)), "meta-data"); err != nil {
		return nil, fmt.Errorf("cloudinit: add meta-data: %w", err)
	}
	if err := writer.AddFile(bytes.NewReader([]byte(networkConfig)), "network-config"); err != nil {
		return nil, fmt.Errorf("cloudinit: add network-config: %w", err)
	}

	var buf bytes.Buffer
	if err := writer.WriteTo(&buf, "CIDATA"); err != nil {
		return nil, fmt.Errorf("cloudinit: write ISO image: %w", err)
	}

	return buf.Bytes(), nil
}
