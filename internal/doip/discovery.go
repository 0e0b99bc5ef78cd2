package doip

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"
)

// Adapter is a DoIP adapter that answered a discovery probe.
type Adapter struct {
	Address      string `json:"address"`
	Announcement []byte `json:"announcement"`
}

// Discover broadcasts a vehicle identification request on the local network
// and collects answers until timeout.
func Discover(ctx context.Context, timeout time.Duration) ([]Adapter, error) {
	return DiscoverAt(ctx, &net.UDPAddr{IP: net.IPv4bcast, Port: Port}, timeout)
}

// DiscoverAt sends the probe to target. Any reply of at least HeaderSize
// bytes counts as an adapter at the sender's address; duplicates are folded.
func DiscoverAt(ctx context.Context, target *net.UDPAddr, timeout time.Duration) ([]Adapter, error) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("doip: discovery listen: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("doip: discovery deadline: %w", err)
	}

	// unblock ReadFrom on cancellation
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := conn.WriteTo(EncodeVehicleIdentificationRequest(), target); err != nil {
		return nil, fmt.Errorf("doip: discovery broadcast to %s: %w", target, err)
	}
	log.Printf("[discovery] probe sent to %s, waiting %v", target, timeout)

	var found []Adapter
	seen := make(map[string]bool)
	buf := make([]byte, 512)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return found, nil
			}
			return found, fmt.Errorf("doip: discovery read: %w", err)
		}
		if n < HeaderSize {
			continue
		}
		host := from.String()
		if ua, ok := from.(*net.UDPAddr); ok {
			host = ua.IP.String()
		}
		if seen[host] {
			continue
		}
		seen[host] = true
		log.Printf("[discovery] adapter at %s (%d bytes)", host, n)
		found = append(found, Adapter{
			Address:      host,
			Announcement: append([]byte(nil), buf[:n]...),
		})
	}
}
