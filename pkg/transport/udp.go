// Package transport owns the UDP socket (spec.md §4.H): a single reader
// goroutine handing raw datagrams to the reliability core, and a
// WriteTo any goroutine may call concurrently: UDP writes are
// independently safe per net.PacketConn, so no additional serialization
// is needed on the write path, matching spec.md §5's description of
// writes being enqueued back to the reactor from timer goroutines
// without the reactor itself needing to serialize them.
package transport

import (
	"context"
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/insaneXs/nCoAP/pkg/coap"
	"github.com/insaneXs/nCoAP/pkg/reliability"
)

// UDPTransport wraps a net.PacketConn and drives a reliability.Core from
// it, grounded on the teacher's mtcp.Server/Client connection-owning
// goroutine shape, adapted from TCP accept/dial to a single datagram
// socket.
type UDPTransport struct {
	conn net.PacketConn
	done chan struct{}
}

// Listen opens a UDP listener on address and wires it to core: core's
// Sender becomes this transport, and every raw inbound datagram is
// handed to core.HandleInbound, which decodes it, on its own goroutine.
// On Linux,
// SO_REUSEPORT is set via controlSocket so multiple development
// instances may share a port; other platforms skip this.
func Listen(address string, core *reliability.Core) (*UDPTransport, error) {
	lc := net.ListenConfig{Control: controlSocket}

	pc, err := lc.ListenPacket(context.Background(), "udp", address)
	if err != nil {
		return nil, err
	}

	t := &UDPTransport{conn: pc, done: make(chan struct{})}
	core.Sender = t

	go t.readLoop(core)

	return t, nil
}

func (t *UDPTransport) readLoop(core *reliability.Core) {
	buf := make([]byte, 1500)

	for {
		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				log.WithError(err).Warn("udp read error")
				continue
			}
		}

		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}

		raw := append([]byte(nil), buf[:n]...)
		remote := reliability.Endpoint{IP: udpAddr.IP.String(), Port: udpAddr.Port}

		go core.HandleInbound(raw, remote)
	}
}

// WriteTo encodes msg and sends it to remote. Implements reliability.Sender.
func (t *UDPTransport) WriteTo(remote reliability.Endpoint, msg *coap.Message) error {
	raw, err := coap.Encode(msg)
	if err != nil {
		return err
	}

	addr := &net.UDPAddr{IP: net.ParseIP(remote.IP), Port: remote.Port}
	_, err = t.conn.WriteTo(raw, addr)
	return err
}

// Close stops the read loop and closes the underlying socket.
func (t *UDPTransport) Close() error {
	close(t.done)
	return t.conn.Close()
}
