// Package cloudinit generates cloud-init NoCloud seed configuration for
// Machines: user-data, meta-data, and network-config, assembled into an
// ISO9660 volume a QEMU guest can mount as its NoCloud datasource.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/datasources/nocloud.html
package cloudinit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ReadySentinel is the path cloud-init's runcmd stage touches once the
// guest has finished first-boot provisioning. Readiness probing treats
// its presence as the signal that cloud-init is done, distinct from
// "SSH is merely listening": sshd can come up well before runcmd runs.
const ReadySentinel = "/run/qlean-ready"

// SeedConfig describes the guest-facing contents of one cloud-init
// seed.
type SeedConfig struct {
	Hostname      string
	SSHPublicKey  string
	MACAddress    string
	ExtraUserData map[string]any
}

// UserData represents the cloud-config user-data structure, marshaled
// to YAML and prefixed with the "#cloud-config" header.
//
// See https://cloudinit.readthedocs.io/en/latest/explanation/format.html#cloud-config-data
type UserData struct {
	Hostname          string    `yaml:"hostname"`
	FQDN              string    `yaml:"fqdn"`
	SSHAuthorizedKeys []string  `yaml:"ssh_authorized_keys,omitempty"`
	SSHPasswordAuth   bool      `yaml:"ssh_pwauth"`
	DisableRoot       bool      `yaml:"disable_root"`
	Output            *Output   `yaml:"output,omitempty"`
	RunCmd            []string  `yaml:"runcmd,omitempty"`
}

// Output configures cloud-init output logging.
type Output struct {
	All string `yaml:"all"`
}

// MetaData represents the cloud-init meta-data structure.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/datasources/nocloud.html
type MetaData struct {
	InstanceID    string `yaml:"instance-id"`
	LocalHostname string `yaml:"local-hostname"`
}

// NetworkConfig represents the netplan v2 network configuration.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/network-config-format-v2.html
type NetworkConfig struct {
	Version   int                       `yaml:"version"`
	Ethernets map[string]EthernetConfig `yaml:"ethernets"`
}

// EthernetConfig represents a single ethernet interface configuration.
// Guests always use DHCP: the shared network supplies addressing.
type EthernetConfig struct {
	Match MatchConfig `yaml:"match"`
	DHCP4 bool        `yaml:"dhcp4"`
}

// MatchConfig matches an interface by MAC address.
type MatchConfig struct {
	MACAddress string `yaml:"macaddress"`
}

// GenerateUserData generates the user-data YAML content for cfg,
// including the "#cloud-config" header. Root SSH login with the
// supplied public key is enabled and password authentication is
// disabled; a final runcmd step touches ReadySentinel so readiness
// probing has an unambiguous first-boot-complete signal.
func GenerateUserData(cfg SeedConfig) (string, error) {
	if cfg.Hostname == "" {
		return "", fmt.Errorf("cloudinit: hostname cannot be empty")
	}
	if cfg.SSHPublicKey == "" {
		return "", fmt.Errorf("cloudinit: ssh public key cannot be empty")
	}

	userData := UserData{
		Hostname:          cfg.Hostname,
		FQDN:              cfg.Hostname,
		SSHAuthorizedKeys: []string{cfg.SSHPublicKey},
		SSHPasswordAuth:   false,
		DisableRoot:       false,
		Output: &Output{
			All: "| tee -a /var/log/cloud-init-output.log",
		},
		RunCmd: []string{
			// Debian-family images ship the unit as "ssh", Fedora-family
			// as "sshd"; one of the two always exists.
			"systemctl enable --now ssh 2>/dev/null || systemctl enable --now sshd",
			fmt.Sprintf("touch %s", ReadySentinel),
		},
	}

	yamlBytes, err := yaml.Marshal(&userData)
	if err != nil {
		return "", fmt.Errorf("cloudinit: marshal user-data: %w", err)
	}

	content := "#cloud-config\n" + string(yamlBytes)
	if len(cfg.ExtraUserData) > 0 {
		extraBytes, err := yaml.Marshal(cfg.ExtraUserData)
		if err != nil {
			return "", fmt.Errorf("cloudinit: marshal extra user-data: %w", err)
		}
		content += string(extraBytes)
	}

	return content, nil
}

// GenerateMetaData generates the meta-data YAML content for cfg.
//
// The instance-id is derived from the content of the seed itself
// (computed by the caller and passed as instanceID) rather than from
// the hostname, so a seed cache keyed by that hash can be reused
// whenever the generated configuration is unchanged, while still
// forcing cloud-init to treat a changed configuration as a fresh
// instance.
func GenerateMetaData(cfg SeedConfig, instanceID string) (string, error) {
	if cfg.Hostname == "" {
		return "", fmt.Errorf("cloudinit: hostname cannot be empty")
	}

	metaData := MetaData{
		InstanceID:    instanceID,
		LocalHostname: cfg.Hostname,
	}

	yamlBytes, err := yaml.Marshal(&metaData)
	if err != nil {
		return "", fmt.Errorf("cloudinit: marshal meta-data: %w", err)
	}

	return string(yamlBytes), nil
}

// GenerateNetworkConfig generates the network-config YAML content for
// cfg: a single DHCP-configured ethernet interface matched by MAC
// address.
func GenerateNetworkConfig(cfg SeedConfig) (string, error) {
	if cfg.MACAddress == "" {
		return "", fmt.Errorf("cloudinit: MAC address is required")
	}

	networkConfig := NetworkConfig{
		Version: 2,
		Ethernets: map[string]EthernetConfig{
			"eth0": {
				Match: MatchConfig{MACAddress: cfg.MACAddress},
				DHCP4: true,
			},
		},
	}

	yamlBytes, err := yaml.Marshal(&networkConfig)
	if err != nil {
		return "", fmt.Errorf("cloudinit: marshal network-config: %w", err)
	}

	return string(yamlBytes), nil
}

// contentHash derives a deterministic instance-id from the given seed
// file contents (GenerateISO passes user-data and network-config; the
// meta-data cannot hash itself) so an unchanged seed is recognized as
// the same instance across
// Init calls, while any change to it is treated as a new instance.
func contentHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
