// Package udpflow relays UDP traffic captured from the TUN device,
// either through a shared SOCKS5 UDP ASSOCIATE relay or, for DNS
// queries (destination port 53), a one-shot DNS-over-TCP request.
package udpflow

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/badscrew/selfproxy-sub003/internal/ipv4"
	"github.com/badscrew/selfproxy-sub003/internal/logging"
	"github.com/badscrew/selfproxy-sub003/internal/socks5client"
	"github.com/badscrew/selfproxy-sub003/internal/udpseg"
)

// DNSPort is the well-known UDP destination port that selects the
// DNS-over-TCP one-shot path instead of a persistent relay.
const DNSPort = 53

// WriteFunc writes a completed IPv4 packet into the TUN device.
type WriteFunc func(ctx context.Context, pkt []byte) error

// Addr identifies one side of a UDP flow at the IP/port level.
type Addr struct {
	IP   [4]byte
	Port uint16
}

func (a Addr) toAddrPort() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4(a.IP), a.Port)
}

// State is a position in a persistent relay's lifecycle.
type State uint8

const (
	StateOpening State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Association is a single SOCKS5 UDP ASSOCIATE relay shared by every
// non-DNS UDP flow for as long as the router runs: RFC 1928 requires
// the TCP control connection to stay open for the relay to remain
// valid, so one Association multiplexes many Flows by destination.
type Association struct {
	mu    sync.RWMutex
	state State

	ctrl  net.Conn     // the SOCKS5 TCP control connection
	relay *net.UDPConn // UDP socket talking to the relay's bound address

	flows map[netip.AddrPort]*Flow
	log   *slog.Logger
}

// NewAssociation wraps an already UDP-ASSOCIATE'd control connection
// and its relay UDP socket.
func NewAssociation(ctrl net.Conn, relay *net.UDPConn, logger *slog.Logger) *Association {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Association{
		state: StateOpen,
		ctrl:  ctrl,
		relay: relay,
		flows: make(map[netip.AddrPort]*Flow),
		log:   logger,
	}
}

// Run reads relayed datagrams until the relay socket errors or closes,
// demultiplexing each to the Flow registered for its source address.
// Unmatched datagrams (no flow registered, or already evicted) are
// dropped.
func (a *Association) Run(ctx context.Context) {
	buf := make([]byte, 65535)
	for {
		n, err := a.relay.Read(buf)
		if err != nil {
			a.log.Debug("udp associate relay closed", logging.KeyReason, err.Error())
			a.setState(StateClosed)
			return
		}

		src, payload, err := socks5client.DecapsulateUDP(buf[:n])
		if err != nil {
			a.log.Debug("dropping malformed relay datagram", logging.KeyReason, err.Error())
			continue
		}

		a.mu.RLock()
		flow, ok := a.flows[src]
		a.mu.RUnlock()
		if !ok {
			continue
		}
		flow.receiveReply(ctx, payload)
	}
}

func (a *Association) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// State reports the relay's current lifecycle state.
func (a *Association) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Close tears down both the control connection and the relay socket.
func (a *Association) Close() error {
	a.setState(StateClosed)
	a.ctrl.Close()
	return a.relay.Close()
}

func (a *Association) register(dst netip.AddrPort, f *Flow) {
	a.mu.Lock()
	a.flows[dst] = f
	a.mu.Unlock()
}

func (a *Association) unregister(dst netip.AddrPort) {
	a.mu.Lock()
	delete(a.flows, dst)
	a.mu.Unlock()
}

// send encapsulates and writes payload addressed to dst through the relay.
func (a *Association) send(dst netip.AddrPort, payload []byte) error {
	datagram := socks5client.EncapsulateUDP(dst, payload)
	_, err := a.relay.Write(datagram)
	return err
}

// Flow relays UDP datagrams for a single client 5-tuple. A Flow either
// forwards through a shared Association, or - for DNS queries, whether
// or not an Association exists - answers each datagram with a one-shot
// DNS-over-TCP round trip (spec Non-goal: no local DNS caching or
// resolution; queries are proxied, never answered from a local cache).
type Flow struct {
	Client Addr
	Server Addr

	assoc      *Association // nil when using the DNS-over-TCP fallback
	dialDNSTCP func(ctx context.Context) (net.Conn, error)

	toTun WriteFunc
	log   *slog.Logger

	mu       sync.Mutex
	bytesIn  uint64
	bytesOut uint64
}

// NewAssociatedFlow creates a Flow that relays through an already-open
// UDP ASSOCIATE Association.
func NewAssociatedFlow(client, server Addr, assoc *Association, toTun WriteFunc, logger *slog.Logger) *Flow {
	if logger == nil {
		logger = logging.Nop()
	}
	f := &Flow{Client: client, Server: server, assoc: assoc, toTun: toTun, log: logger}
	assoc.register(server.toAddrPort(), f)
	return f
}

// NewDNSFlow creates a Flow that answers each datagram with a one-shot
// DNS-over-TCP round trip through dialDNSTCP, a dialer that performs
// the SOCKS5 CONNECT handshake to the configured resolver.
func NewDNSFlow(client, server Addr, dialDNSTCP func(ctx context.Context) (net.Conn, error), toTun WriteFunc, logger *slog.Logger) *Flow {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Flow{Client: client, Server: server, dialDNSTCP: dialDNSTCP, toTun: toTun, log: logger}
}

// Deliver handles one inbound UDP datagram captured from the TUN device.
func (f *Flow) Deliver(ctx context.Context, payload []byte) {
	f.mu.Lock()
	f.bytesOut += uint64(len(payload))
	f.mu.Unlock()

	if f.assoc != nil {
		if err := f.assoc.send(f.Server.toAddrPort(), payload); err != nil {
			f.log.Debug("udp associate send failed", logging.KeyReason, err.Error())
		}
		return
	}

	go f.resolveOneShot(ctx, payload)
}

func (f *Flow) resolveOneShot(ctx context.Context, query []byte) {
	conn, err := f.dialDNSTCP(ctx)
	if err != nil {
		f.log.Debug("dns-over-tcp dial failed", logging.KeyReason, err.Error())
		return
	}
	defer conn.Close()

	resp, err := dnsRoundTrip(conn, query)
	if err != nil {
		f.log.Debug("dns-over-tcp round trip failed", logging.KeyReason, err.Error())
		return
	}

	f.mu.Lock()
	f.bytesIn += uint64(len(resp))
	f.mu.Unlock()

	f.emitReply(ctx, resp)
}

// dnsRoundTrip writes query and reads the response, both framed with
// the 2-byte big-endian length prefix RFC 7766 specifies for DNS-over-TCP.
func dnsRoundTrip(conn net.Conn, query []byte) ([]byte, error) {
	var prefix [2]byte
	binary.BigEndian.PutUint16(prefix[:], uint16(len(query)))
	framed := make([]byte, 0, len(prefix)+len(query))
	framed = append(framed, prefix[:]...)
	framed = append(framed, query...)
	if _, err := conn.Write(framed); err != nil {
		return nil, err
	}

	if _, err := io.ReadFull(conn, prefix[:]); err != nil {
		return nil, err
	}
	respLen := binary.BigEndian.Uint16(prefix[:])
	resp := make([]byte, respLen)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// receiveReply is invoked by the owning Association's read loop for
// datagrams whose source address matches this flow's server address.
func (f *Flow) receiveReply(ctx context.Context, payload []byte) {
	f.mu.Lock()
	f.bytesIn += uint64(len(payload))
	f.mu.Unlock()
	f.emitReply(ctx, payload)
}

func (f *Flow) emitReply(ctx context.Context, payload []byte) {
	dgram := udpseg.Emit(f.Server.IP, f.Client.IP, f.Server.Port, f.Client.Port, payload)
	pkt, err := ipv4.Emit(f.Server.IP, f.Client.IP, ipv4.ProtoUDP, 0, dgram)
	if err != nil {
		f.log.Debug("ipv4 emit failed", logging.KeyReason, err.Error())
		return
	}
	if err := f.toTun(ctx, pkt); err != nil {
		f.log.Debug("tun write failed", logging.KeyReason, err.Error())
	}
}

// Stats returns the flow's cumulative byte counters.
func (f *Flow) Stats() (in, out uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bytesIn, f.bytesOut
}

// Close releases the flow's registration with its Association, if any.
func (f *Flow) Close() {
	if f.assoc != nil {
		f.assoc.unregister(f.Server.toAddrPort())
	}
}
