package guestinit

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// setupNetworking implements §4.7 step 3: bring up loopback, probe for
// eth0, and if it's present and unconfigured, lease an address over DHCP.
// Any failure here is logged and treated as non-fatal — a sandbox with no
// network device, or one DHCP couldn't reach, still runs exec sessions
// over vsock.
//
// Grounded in original_source's setup_networking, translated from raw
// ioctl/libc calls to vishvananda/netlink, the idiom aibor-virtrun and
// maxdollinger-walk.io both use for link/address management.
func (g *Guest) setupNetworking() {
	if lo, err := netlink.LinkByName("lo"); err == nil {
		if err := netlink.LinkSetUp(lo); err != nil {
			g.logger.Warn("bring up lo: %v", err)
		}
	} else {
		g.logger.Warn("lookup lo: %v", err)
	}

	link, err := netlink.LinkByName("eth0")
	if err != nil {
		g.logger.Info("no eth0 device present, running without network")
		return
	}

	if err := netlink.LinkSetUp(link); err != nil {
		g.logger.Warn("bring up eth0: %v", err)
	}

	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err == nil && len(addrs) > 0 {
		g.logger.Info("eth0 already has an address, skipping DHCP")
		return
	}

	mac := link.Attrs().HardwareAddr
	if len(mac) == 0 {
		g.logger.Warn("eth0 has no hardware address, skipping DHCP")
		return
	}

	l, err := g.leaseWithTimeout("eth0", mac)
	if err != nil {
		g.logger.Warn("dhcp: %v", err)
		return
	}

	if err := applyLease(link, l); err != nil {
		g.logger.Warn("apply dhcp lease: %v", err)
		return
	}

	if err := os.WriteFile("/etc/resolv.conf", []byte(fmt.Sprintf("nameserver %s\n", l.DNS)), 0o644); err != nil {
		g.logger.Warn("write resolv.conf: %v", err)
	}

	g.logger.Info("network configured: ip=%s gw=%s", l.IP, l.Gateway)
}

// leaseWithTimeout runs requestLease off the main boot path with an
// overall watchdog, since the DHCP exchange's two blocking recv calls can
// otherwise stack up to roughly double the per-call SO_RCVTIMEO.
func (g *Guest) leaseWithTimeout(iface string, mac net.HardwareAddr) (lease, error) {
	type result struct {
		l   lease
		err error
	}
	ch := make(chan result, 1)
	go func() {
		l, err := requestLease(iface, mac)
		ch <- result{l, err}
	}()

	select {
	case r := <-ch:
		return r.l, r.err
	case <-time.After(dhcpTimeout):
		return lease{}, fmt.Errorf("timed out waiting for a lease")
	}
}

func applyLease(link netlink.Link, l lease) error {
	prefixLen, _ := net.IPMask(l.Subnet.To4()).Size()
	addr, err := netlink.ParseAddr(fmt.Sprintf("%s/%d", l.IP, prefixLen))
	if err != nil {
		return fmt.Errorf("parse leased address: %w", err)
	}
	if err := netlink.AddrReplace(link, addr); err != nil {
		return fmt.Errorf("set address: %w", err)
	}

	if l.Gateway == nil || l.Gateway.IsUnspecified() {
		return nil
	}
	route := &netlink.Route{LinkIndex: link.Attrs().Index, Gw: l.Gateway}
	if err := netlink.RouteAdd(route); err != nil {
		return fmt.Errorf("add default route: %w", err)
	}
	return nil
}

// setHostname sets the guest's hostname to "shuru", per §4.7 step 2.
func setHostname() error {
	return unix.Sethostname([]byte("shuru"))
}
