package guestinit

import (
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// DHCP message types and the magic cookie that marks a BOOTP packet as
// DHCP, per RFC 2131. Translated from original_source's raw libc DHCP
// client into golang.org/x/sys/unix syscalls — same wire format, same
// four-packet DISCOVER/OFFER/REQUEST/ACK exchange, no libc dependency.
const (
	dhcpServerPort = 67
	dhcpClientPort = 68

	dhcpDiscover = 1
	dhcpOffer    = 2
	dhcpRequest  = 3
	dhcpAck      = 5

	bootRequest = 1
	bootReply   = 2
	htypeEther  = 1
	hlenEther   = 6
)

var dhcpMagicCookie = [4]byte{99, 130, 83, 99}

// lease is the subset of a DHCPACK the guest init needs to bring up eth0.
type lease struct {
	IP       net.IP
	Subnet   net.IP
	Gateway  net.IP
	DNS      net.IP
	ServerID net.IP
}

// buildPacket constructs a BOOTREQUEST packet of the given DHCP message
// type, mirroring the original's build_dhcp_packet byte layout.
func buildPacket(msgType byte, xid uint32, mac net.HardwareAddr, requestedIP, serverID net.IP) []byte {
	pkt := make([]byte, 236)
	pkt[0] = bootRequest
	pkt[1] = htypeEther
	pkt[2] = hlenEther
	pkt[4] = byte(xid >> 24)
	pkt[5] = byte(xid >> 16)
	pkt[6] = byte(xid >> 8)
	pkt[7] = byte(xid)
	pkt[10] = 0x80 // broadcast flag: we have no address yet to receive a unicast reply
	copy(pkt[28:34], mac)

	pkt = append(pkt, dhcpMagicCookie[:]...)
	pkt = append(pkt, 53, 1, msgType)
	pkt = append(pkt, 55, 3, 1, 3, 6) // parameter request list: subnet, router, DNS

	if requestedIP != nil {
		pkt = append(pkt, 50, 4)
		pkt = append(pkt, requestedIP.To4()...)
	}
	if serverID != nil {
		pkt = append(pkt, 54, 4)
		pkt = append(pkt, serverID.To4()...)
	}

	pkt = append(pkt, 255)
	return pkt
}

// parseResponse decodes a BOOTREPLY and extracts the lease options the
// guest init cares about, mirroring parse_dhcp_response.
func parseResponse(pkt []byte, expectedXID uint32) (byte, lease, bool) {
	if len(pkt) < 240 {
		return 0, lease{}, false
	}
	if pkt[0] != bootReply {
		return 0, lease{}, false
	}
	xid := uint32(pkt[4])<<24 | uint32(pkt[5])<<16 | uint32(pkt[6])<<8 | uint32(pkt[7])
	if xid != expectedXID {
		return 0, lease{}, false
	}
	if pkt[236] != dhcpMagicCookie[0] || pkt[237] != dhcpMagicCookie[1] ||
		pkt[238] != dhcpMagicCookie[2] || pkt[239] != dhcpMagicCookie[3] {
		return 0, lease{}, false
	}

	l := lease{
		IP:     net.IPv4(pkt[16], pkt[17], pkt[18], pkt[19]),
		Subnet: net.IPv4(255, 255, 255, 0),
		DNS:    net.IPv4(8, 8, 8, 8),
	}
	var msgType byte

	for i := 240; i < len(pkt); {
		opt := pkt[i]
		if opt == 255 {
			break
		}
		if opt == 0 {
			i++
			continue
		}
		if i+1 >= len(pkt) {
			break
		}
		optLen := int(pkt[i+1])
		if i+2+optLen > len(pkt) {
			break
		}
		val := pkt[i+2 : i+2+optLen]
		switch {
		case opt == 53 && optLen >= 1:
			msgType = val[0]
		case opt == 1 && optLen >= 4:
			l.Subnet = net.IPv4(val[0], val[1], val[2], val[3])
		case opt == 3 && optLen >= 4:
			l.Gateway = net.IPv4(val[0], val[1], val[2], val[3])
		case opt == 6 && optLen >= 4:
			l.DNS = net.IPv4(val[0], val[1], val[2], val[3])
		case opt == 54 && optLen >= 4:
			l.ServerID = net.IPv4(val[0], val[1], val[2], val[3])
		}
		i += 2 + optLen
	}

	return msgType, l, true
}

// requestLease runs the DISCOVER/OFFER/REQUEST/ACK exchange over a raw
// UDP socket bound to iface, per dhcp_request. It returns the leased
// address and the router/DNS options from the ACK.
func requestLease(iface string, mac net.HardwareAddr) (lease, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return lease{}, fmt.Errorf("dhcp: socket: %w", err)
	}
	defer unix.Close(fd)

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
		return lease{}, fmt.Errorf("dhcp: SO_BROADCAST: %w", err)
	}
	if err := unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, iface); err != nil {
		return lease{}, fmt.Errorf("dhcp: SO_BINDTODEVICE %s: %w", iface, err)
	}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &unix.Timeval{Sec: 5}); err != nil {
		return lease{}, fmt.Errorf("dhcp: SO_RCVTIMEO: %w", err)
	}

	bindAddr := &unix.SockaddrInet4{Port: dhcpClientPort}
	if err := unix.Bind(fd, bindAddr); err != nil {
		return lease{}, fmt.Errorf("dhcp: bind :%d: %w", dhcpClientPort, err)
	}

	broadcast := &unix.SockaddrInet4{Port: dhcpServerPort, Addr: [4]byte{255, 255, 255, 255}}
	xid := uint32(os.Getpid())

	discover := buildPacket(dhcpDiscover, xid, mac, nil, nil)
	if err := unix.Sendto(fd, discover, 0, broadcast); err != nil {
		return lease{}, fmt.Errorf("dhcp: send discover: %w", err)
	}

	buf := make([]byte, 1500)
	n, _, err := unix.Recvfrom(fd, buf, 0)
	if err != nil {
		return lease{}, fmt.Errorf("dhcp: recv offer: %w", err)
	}
	msgType, offer, ok := parseResponse(buf[:n], xid)
	if !ok || msgType != dhcpOffer {
		return lease{}, fmt.Errorf("dhcp: no valid offer received")
	}

	request := buildPacket(dhcpRequest, xid, mac, offer.IP, offer.ServerID)
	if err := unix.Sendto(fd, request, 0, broadcast); err != nil {
		return lease{}, fmt.Errorf("dhcp: send request: %w", err)
	}

	n, _, err = unix.Recvfrom(fd, buf, 0)
	if err != nil {
		return lease{}, fmt.Errorf("dhcp: recv ack: %w", err)
	}
	msgType, ack, ok := parseResponse(buf[:n], xid)
	if !ok || msgType != dhcpAck {
		return lease{}, fmt.Errorf("dhcp: request not acknowledged")
	}

	return ack, nil
}

// dhcpTimeout bounds how long network setup waits for the whole
// DISCOVER..ACK exchange before giving up and running without a lease.
const dhcpTimeout = 6 * time.Second
