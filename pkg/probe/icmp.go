package probe

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// ping checks L3 reachability with ICMP echo. It returns (false, nil) when
// the host did not answer within the attempt budget, and a non-nil error
// when no ICMP socket could be opened or the context ended before the
// attempts ran out. Cancellation must not read as a dead host.
func ping(ctx context.Context, host string) (bool, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		// Let the protocol probe surface the resolution failure with a
		// protocol-specific code.
		return true, nil
	}
	var target *net.IPAddr
	for _, a := range addrs {
		if a.IP.To4() != nil {
			target = &net.IPAddr{IP: a.IP}
			break
		}
	}
	if target == nil {
		return true, nil
	}

	if err := ctx.Err(); err != nil {
		return false, err
	}

	// Unprivileged datagram ICMP; falls back to a raw socket when the
	// kernel does not allow ping sockets for this process.
	var dst net.Addr = &net.UDPAddr{IP: target.IP}
	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		conn, err = icmp.ListenPacket("ip4:icmp", "0.0.0.0")
		if err != nil {
			return false, fmt.Errorf("opening icmp socket: %w", err)
		}
		dst = target
	}
	defer conn.Close()

	for attempt := 0; attempt < icmpAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if echoOnce(conn, dst, attempt) {
			return true, nil
		}
	}
	return false, nil
}

func echoOnce(conn *icmp.PacketConn, dst net.Addr, seq int) bool {
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{
			ID:   os.Getpid() & 0xffff,
			Seq:  seq,
			Data: []byte("opshub-probe"),
		},
	}
	raw, err := msg.Marshal(nil)
	if err != nil {
		return false
	}
	if _, err := conn.WriteTo(raw, dst); err != nil {
		return false
	}

	_ = conn.SetReadDeadline(time.Now().Add(icmpTimeout))
	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return false
		}
		reply, err := icmp.ParseMessage(1, buf[:n]) // 1 = iana.ProtocolICMP
		if err != nil {
			continue
		}
		if reply.Type == ipv4.ICMPTypeEchoReply {
			return true
		}
	}
}
