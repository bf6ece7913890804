package guestinit

import (
	"net"
	"testing"
)

func TestBuildAndParsePacketRoundTrip(t *testing.T) {
	mac := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	xid := uint32(12345)

	discover := buildPacket(dhcpDiscover, xid, mac, nil, nil)
	if len(discover) < 240 {
		t.Fatalf("discover packet too short: %d bytes", len(discover))
	}
	if discover[0] != bootRequest {
		t.Errorf("op = %d, want BOOTREQUEST", discover[0])
	}

	// Build a synthetic BOOTREPLY/OFFER that parseResponse should accept:
	// same structure the request builder produces, with op/yiaddr fixed
	// up as a server response would be.
	reply := make([]byte, len(discover))
	copy(reply, discover)
	reply[0] = bootReply
	reply[16], reply[17], reply[18], reply[19] = 192, 168, 1, 50 // yiaddr

	msgType, l, ok := parseResponse(reply, xid)
	if !ok {
		t.Fatal("parseResponse rejected a well-formed reply")
	}
	if msgType != dhcpDiscover {
		t.Errorf("msgType = %d, want %d (option 53 echoed back unchanged)", msgType, dhcpDiscover)
	}
	if !l.IP.Equal(net.IPv4(192, 168, 1, 50)) {
		t.Errorf("IP = %v, want 192.168.1.50", l.IP)
	}
}

func TestParseResponseRejectsWrongXID(t *testing.T) {
	mac := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	pkt := buildPacket(dhcpOffer, 1, mac, nil, nil)
	pkt[0] = bootReply

	if _, _, ok := parseResponse(pkt, 2); ok {
		t.Fatal("expected parseResponse to reject a mismatched xid")
	}
}

func TestParseResponseRejectsShortPacket(t *testing.T) {
	if _, _, ok := parseResponse(make([]byte, 10), 1); ok {
		t.Fatal("expected parseResponse to reject a packet shorter than the fixed BOOTP header")
	}
}
