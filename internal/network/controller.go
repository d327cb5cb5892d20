package network

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	libvirtxml "libvirt.org/go/libvirtxml"
)

// Name is the libvirt network all Machines in a process share.
const Name = "qlean"

// Bridge is the Linux bridge device backing the network. It must be
// present in /etc/qemu/bridge.conf's allow list for an unprivileged
// qemu-bridge-helper to attach a tap device to it.
const Bridge = "qlbr0"

const (
	subnetCIDR  = "192.168.221.0/24"
	subnetAddr  = "192.168.221.1"
	subnetMask  = "255.255.255.0"
	dhcpRangeLo = "192.168.221.2"
	dhcpRangeHi = "192.168.221.254"
)

// bridgeConfPath is where qemu-bridge-helper reads its allow list from.
// An unprivileged qemu process can only attach a tap device to a bridge
// listed here. Variable rather than const so tests can point it at a
// fixture file.
var bridgeConfPath = "/etc/qemu/bridge.conf"

// SetupError reports that the host isn't configured to run the shared
// network, independent of anything libvirt itself complains about.
type SetupError struct {
	Err error
}

func (e *SetupError) Error() string { return fmt.Sprintf("network: setup: %v", e.Err) }
func (e *SetupError) Unwrap() error { return e.Err }

// checkBridgeAllowed verifies that bridgeConfPath grants qemu-bridge-
// helper permission to attach to Bridge. Without this line, Spawn's
// "-netdev bridge" device fails at the qemu layer with a permission
// error that's much harder for a caller to diagnose than a SetupError
// raised up front on the first Acquire.
func checkBridgeAllowed() error {
	f, err := os.Open(bridgeConfPath)
	if err != nil {
		return &SetupError{Err: fmt.Errorf("read %s: %w (expected a line \"allow %s\")", bridgeConfPath, err, Bridge)}
	}
	defer f.Close()

	want := "allow " + Bridge
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == want {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return &SetupError{Err: fmt.Errorf("read %s: %w", bridgeConfPath, err)}
	}
	return &SetupError{Err: fmt.Errorf("%s has no %q line", bridgeConfPath, want)}
}

// CheckBridgeConfig verifies /etc/qemu/bridge.conf allows attaching to
// Bridge, independent of any Controller. Exported so callers can surface
// this as part of a broader host precondition check before ever
// touching libvirt.
func CheckBridgeConfig() error { return checkBridgeAllowed() }

// Controller manages the lifecycle of the shared "qlean" libvirt
// network. A single Controller is meant to be shared by every Pool and
// standalone Machine in a process; Acquire/Release refcount so the
// network is only torn down once nothing references it, and only if
// this process is the one that brought it up.
type Controller struct {
	client  *Client
	xmlPath string

	mu          sync.Mutex
	refs        int
	selfStarted bool
}

// NewController wraps an already-connected Client. xmlPath, if
// non-empty, names an operator-editable network definition file: an
// existing file there is used verbatim when the network must be
// defined, and the built-in default definition is written there the
// first time it is generated so operators can adjust the subnet.
//
// Most callers want SharedController instead; a private Controller
// carries its own refcount and must not be mixed with the shared one
// over the same libvirt network.
func NewController(client *Client, xmlPath string) *Controller {
	return &Controller{client: client, xmlPath: xmlPath}
}

// The "qlean" network is a fixed, host-global resource, so its
// refcount must be process-global too: two Pools each holding a
// private Controller would let the first one to drain its own count
// destroy the network out from under the other's running Machines.
var (
	sharedMu sync.Mutex
	shared   *Controller
)

// SharedController returns the process-wide Controller, creating it
// with client and xmlPath on first call. Subsequent calls return the
// same Controller and ignore their arguments: there is only one
// "qlean" network on the host, so there is only one refcount for it.
func SharedController(client *Client, xmlPath string) *Controller {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil {
		shared = NewController(client, xmlPath)
	}
	return shared
}

// Handle represents one outstanding reference to the shared network.
// Callers must call Release exactly once per successful Acquire.
type Handle struct {
	controller *Controller
}

// Acquire ensures the "qlean" network is defined and active, then
// increments the refcount. If the network doesn't exist, this process
// defines and starts it, and will be the one to stop it again once the
// last Handle is released.
func (c *Controller) Acquire(ctx context.Context) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refs == 0 {
		if err := checkBridgeAllowed(); err != nil {
			return nil, err
		}
		started, err := c.ensure(ctx)
		if err != nil {
			return nil, err
		}
		c.selfStarted = started
	}
	c.refs++
	return &Handle{controller: c}, nil
}

// Release decrements the refcount and, if it reaches zero and this
// process started the network, stops it. A network this process found
// already running (started by another process, or left over from a
// previous run) is never stopped here.
func (h *Handle) Release(ctx context.Context) error {
	c := h.controller
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refs == 0 {
		return nil
	}
	c.refs--
	if c.refs > 0 {
		return nil
	}
	if !c.selfStarted {
		return nil
	}

	net, err := c.client.Libvirt().NetworkLookupByName(Name)
	if err != nil {
		// Already gone; nothing to do.
		return nil
	}
	if err := c.client.Libvirt().NetworkDestroy(net); err != nil {
		return fmt.Errorf("network: stop %s: %w", Name, err)
	}
	return nil
}

// ensure looks up the network, defining and starting it if absent.
// Returns whether this call performed that define+start.
func (c *Controller) ensure(ctx context.Context) (started bool, err error) {
	lv := c.client.Libvirt()

	net, lookupErr := lv.NetworkLookupByName(Name)
	if lookupErr == nil {
		active, err := lv.NetworkIsActive(net)
		if err != nil {
			return false, fmt.Errorf("network: query %s: %w", Name, err)
		}
		if active == 1 {
			return false, nil
		}
		if err := lv.NetworkCreate(net); err != nil {
			return false, fmt.Errorf("network: start %s: %w", Name, err)
		}
		return true, nil
	}

	xmlDoc, err := c.networkXML()
	if err != nil {
		return false, fmt.Errorf("network: generate XML: %w", err)
	}

	net, err = lv.NetworkDefineXML(xmlDoc)
	if err != nil {
		return false, fmt.Errorf("network: define %s: %w", Name, err)
	}

	if err := lv.NetworkCreate(net); err != nil {
		_ = lv.NetworkUndefine(net)
		return false, fmt.Errorf("network: start %s: %w", Name, err)
	}

	if err := lv.NetworkSetAutostart(net, 1); err != nil {
		return false, fmt.Errorf("network: started %s but failed to set autostart: %w", Name, err)
	}

	return true, nil
}

// LeaseFor returns the IPv4 address leased to mac on the shared
// network, or an error if no lease is recorded yet. Callers poll this
// while a guest boots; the lease appears once the guest's DHCP client
// has negotiated with dnsmasq.
func (c *Controller) LeaseFor(mac string) (string, error) {
	lv := c.client.Libvirt()
	net, err := lv.NetworkLookupByName(Name)
	if err != nil {
		return "", fmt.Errorf("network: lookup %s: %w", Name, err)
	}
	leases, _, err := lv.NetworkGetDhcpLeases(net, []string{mac}, 1, 0)
	if err != nil {
		return "", fmt.Errorf("network: list leases: %w", err)
	}
	for _, lease := range leases {
		for _, leaseMac := range lease.Mac {
			if strings.EqualFold(leaseMac, mac) {
				return lease.Ipaddr, nil
			}
		}
	}
	return "", fmt.Errorf("network: no DHCP lease recorded for %s", mac)
}

// networkXML returns the definition to install: the operator's edited
// copy at xmlPath when one exists, otherwise the generated default,
// which is also persisted to xmlPath for later editing.
func (c *Controller) networkXML() (string, error) {
	if c.xmlPath == "" {
		return generateNetworkXML()
	}
	if data, err := os.ReadFile(c.xmlPath); err == nil {
		return string(data), nil
	}
	xmlDoc, err := generateNetworkXML()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(c.xmlPath, []byte(xmlDoc), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", c.xmlPath, err)
	}
	return xmlDoc, nil
}

// generateNetworkXML builds the libvirt network definition for "qlean":
// NAT forwarding, a dedicated bridge, and a DHCP range covering the
// whole usable subnet.
func generateNetworkXML() (string, error) {
	net := &libvirtxml.Network{
		Name: Name,
		Forward: &libvirtxml.NetworkForward{
			Mode: "nat",
		},
		Bridge: &libvirtxml.NetworkBridge{
			Name: Bridge,
		},
		IPs: []libvirtxml.NetworkIP{
			{
				Address: subnetAddr,
				Netmask: subnetMask,
				DHCP: &libvirtxml.NetworkDHCP{
					Ranges: []libvirtxml.NetworkDHCPRange{
						{Start: dhcpRangeLo, End: dhcpRangeHi},
					},
				},
			},
		},
	}

	xmlBytes, err := net.Marshal()
	if err != nil {
		return "", err
	}

	xmlDoc := strings.TrimPrefix(string(xmlBytes), `<?xml version="1.0" encoding="UTF-8"?>`)
	return strings.TrimSpace(xmlDoc), nil
}
