// Package router wires the packet codecs, flow state machines, and
// connection table into a running packet router: it reads IPv4
// packets from a TUN device, dispatches them to per-flow tasks that
// relay through a SOCKS5 proxy, and writes replies back to the TUN
// device.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/badscrew/selfproxy-sub003/internal/conntrack"
	"github.com/badscrew/selfproxy-sub003/internal/ipv4"
	"github.com/badscrew/selfproxy-sub003/internal/logging"
	"github.com/badscrew/selfproxy-sub003/internal/metrics"
	"github.com/badscrew/selfproxy-sub003/internal/socks5client"
	"github.com/badscrew/selfproxy-sub003/internal/tcpflow"
	"github.com/badscrew/selfproxy-sub003/internal/tcpseg"
	"github.com/badscrew/selfproxy-sub003/internal/udpflow"
	"github.com/badscrew/selfproxy-sub003/internal/udpseg"
)

const (
	// maxPacketSize is the largest IPv4 packet the router will accept
	// from the TUN device; larger packets are dropped.
	maxPacketSize = 32 * 1024

	// tcpIdleTimeout tears down a TCP flow after this much time with
	// no traffic in either direction.
	tcpIdleTimeout = 120 * time.Second

	// udpIdleTimeout tears down a UDP flow (ASSOCIATE or DNS) after
	// this much time with no traffic.
	udpIdleTimeout = 60 * time.Second

	// sweepInterval is how often the eviction task walks the table.
	sweepInterval = 30 * time.Second

	// socks5HandshakeTimeout bounds a SOCKS5 dial plus handshake.
	socks5HandshakeTimeout = 5 * time.Second

	// dnsQueryTimeout bounds one DNS-over-TCP round trip, including
	// the dial and handshake needed to reach it.
	dnsQueryTimeout = 5 * time.Second

	// shutdownGrace bounds how long Shutdown waits for the ingress and
	// eviction tasks to exit after every tracked flow has been closed.
	shutdownGrace = 5 * time.Second

	// ingressRate bounds how many packets per second the ingress task
	// will accept from the TUN device, so a misbehaving or malicious
	// client can't burn the router's CPU budget on malformed traffic.
	ingressRate  = 50000
	ingressBurst = 5000
)

// ErrUDPAssociateDisabled is returned when the SOCKS5 proxy has
// rejected UDP ASSOCIATE (REP=0x07) earlier in the process lifetime;
// the router stops retrying ASSOCIATE and only DNS-over-TCP continues
// to work for UDP traffic.
var ErrUDPAssociateDisabled = errors.New("router: udp associate disabled for this proxy")

// TunDevice is the subset of tun.Device the router needs: one
// complete IPv4 packet per read, one complete IPv4 packet per write.
type TunDevice interface {
	ReadPacket(ctx context.Context) ([]byte, error)
	WritePacket(ctx context.Context, pkt []byte) error
}

// Config carries everything the router needs to start. It is plain Go
// data: no CLI flags, files, or environment variables are read here.
type Config struct {
	// SocksAddr is the upstream SOCKS5 proxy's address.
	SocksAddr netip.AddrPort

	// DNSResolver overrides the destination DNS queries are forwarded
	// to. The zero value uses each packet's own destination address.
	DNSResolver netip.AddrPort

	// Username/Password offer RFC 1929 username/password auth on every
	// handshake against SocksAddr. Leave both empty for no-auth.
	Username string
	Password string

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// TCPCap and UDPCap bound the connection table; zero selects the
	// spec defaults of 1000 and 500.
	TCPCap int
	UDPCap int
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
	if c.Metrics == nil {
		// A dedicated registry, not the process-wide Default(): a
		// caller that builds more than one Router must not collide on
		// metric registration.
		c.Metrics = metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	}
	if c.TCPCap <= 0 {
		c.TCPCap = 1000
	}
	if c.UDPCap <= 0 {
		c.UDPCap = 500
	}
}

// Handle is the external surface a running router exposes.
type Handle interface {
	Shutdown(ctx context.Context) error
	Stats() Stats
}

// Stats is a point-in-time, atomically-read snapshot of router
// activity.
type Stats struct {
	TCPTotal, TCPActive         uint64
	UDPTotal, UDPActive         uint64
	BytesInTotal, BytesOutTotal uint64
}

// Router reads IPv4 packets from a TUN device, dispatches them to
// per-flow tasks, and relays their payloads through a SOCKS5 proxy.
type Router struct {
	cfg Config
	dev TunDevice
	log *slog.Logger

	table          *conntrack.Table
	ingressLimiter *rate.Limiter

	// tcpFlows/udpFlows hold the live flow objects dispatch reaches
	// into; the conntrack table holds only the metadata needed for
	// LRU eviction and idle sweeps. Both are kept in sync by flow
	// creation and by each flow's teardown: a TCP flow's OnClosed
	// callback, a UDP flow's table Closer.
	flowsMu  sync.Mutex
	tcpFlows map[conntrack.FlowKey]*tcpflow.Flow
	udpFlows map[conntrack.FlowKey]*udpflow.Flow

	// writeMu serializes writes to the TUN egress stream: every flow
	// shares one writer.
	writeMu sync.Mutex

	assocMu              sync.Mutex
	assoc                *udpflow.Association
	udpAssociateDisabled atomic.Bool

	bytesInTotal  atomic.Uint64
	bytesOutTotal atomic.Uint64

	wg         sync.WaitGroup
	stopOnce   sync.Once
	done       chan struct{}
	cancelRoot context.CancelFunc
}

// New constructs and starts a Router against dev, returning a Handle
// for shutdown and stats once the ingress and eviction tasks are
// running.
func New(ctx context.Context, cfg Config, dev TunDevice) (Handle, error) {
	cfg.setDefaults()

	rootCtx, cancel := context.WithCancel(ctx)
	r := &Router{
		cfg:            cfg,
		dev:            dev,
		log:            cfg.Logger,
		table:          conntrack.NewTable(cfg.TCPCap, cfg.UDPCap),
		ingressLimiter: rate.NewLimiter(rate.Limit(ingressRate), ingressBurst),
		tcpFlows:       make(map[conntrack.FlowKey]*tcpflow.Flow),
		udpFlows:       make(map[conntrack.FlowKey]*udpflow.Flow),
		done:           make(chan struct{}),
		cancelRoot:     cancel,
	}

	r.wg.Add(2)
	go r.runIngress(rootCtx)
	go r.runEviction(rootCtx)

	return r, nil
}

// Shutdown stops the ingress and eviction tasks, closes every tracked
// flow, and waits up to shutdownGrace (or until ctx ends) for the
// ingress and eviction tasks to exit. Flow goroutines are signalled to
// stop but are not waited for. It is idempotent.
func (r *Router) Shutdown(ctx context.Context) error {
	r.stopOnce.Do(func() {
		close(r.done)
		r.cancelRoot()

		r.assocMu.Lock()
		if r.assoc != nil {
			r.assoc.Close()
		}
		r.assocMu.Unlock()

		r.table.CloseAll()
	})

	waited := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(waited)
	}()

	grace, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()

	select {
	case <-waited:
		return nil
	case <-grace.Done():
		return grace.Err()
	}
}

// Stats returns a point-in-time snapshot of router activity.
func (r *Router) Stats() Stats {
	tcpStats, udpStats := r.table.Stats()
	return Stats{
		TCPTotal:      tcpStats.Total,
		TCPActive:     uint64(tcpStats.Active),
		UDPTotal:      udpStats.Total,
		UDPActive:     uint64(udpStats.Active),
		BytesInTotal:  r.bytesInTotal.Load(),
		BytesOutTotal: r.bytesOutTotal.Load(),
	}
}

// runIngress is the sole reader of the TUN ingress stream. Any read
// error other than context cancellation is treated as fatal and
// triggers a full router shutdown, per the TUN-level error policy.
func (r *Router) runIngress(ctx context.Context) {
	defer r.wg.Done()

	for {
		pkt, err := r.dev.ReadPacket(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			r.log.Error("tun ingress read failed, shutting down router", logging.KeyReason, err.Error())
			go r.Shutdown(context.Background())
			return
		}
		if err := r.ingressLimiter.Wait(ctx); err != nil {
			return
		}
		r.handlePacket(ctx, pkt)
	}
}

func (r *Router) handlePacket(ctx context.Context, pkt []byte) {
	if len(pkt) > maxPacketSize {
		r.cfg.Metrics.RecordTunDrop("oversize")
		return
	}

	hdr, payload, err := ipv4.Parse(pkt)
	if err != nil {
		r.cfg.Metrics.RecordTunDrop("malformed_ip")
		return
	}
	if hdr.MF() || hdr.FragmentOffset() != 0 {
		r.cfg.Metrics.RecordTunDrop("fragmented")
		return
	}

	switch hdr.Protocol {
	case ipv4.ProtoTCP:
		r.handleTCP(ctx, hdr, payload)
	case ipv4.ProtoUDP:
		r.handleUDP(ctx, hdr, payload)
	default:
		r.cfg.Metrics.RecordTunDrop("unsupported_protocol")
	}
}

func (r *Router) handleTCP(ctx context.Context, ipHdr *ipv4.Header, segBuf []byte) {
	seg, payload, err := tcpseg.Parse(segBuf)
	if err != nil {
		r.cfg.Metrics.RecordTunDrop("malformed_tcp")
		return
	}

	key := conntrack.FlowKey{
		Proto:   conntrack.TCP,
		SrcAddr: netip.AddrFrom4(ipHdr.Src),
		SrcPort: seg.SrcPort,
		DstAddr: netip.AddrFrom4(ipHdr.Dst),
		DstPort: seg.DstPort,
	}

	r.flowsMu.Lock()
	flow, ok := r.tcpFlows[key]
	r.flowsMu.Unlock()

	if ok {
		if !flow.Deliver(seg, payload) {
			r.cfg.Metrics.RecordTunDrop("tcp_mailbox_full")
			return
		}
		r.table.Touch(key, time.Now())
		return
	}

	if !seg.HasFlag(tcpseg.FlagSYN) {
		if !seg.HasFlag(tcpseg.FlagRST) {
			r.writeRST(ctx, ipHdr, seg)
		}
		return
	}

	client := tcpflow.Addr{IP: ipHdr.Src, Port: seg.SrcPort}
	server := tcpflow.Addr{IP: ipHdr.Dst, Port: seg.DstPort}
	dstAddr := key.DstAddr

	f := tcpflow.New(client, server, seg.Seq, r.socks5ConnectDialer(dstAddr, seg.DstPort), r.writePacket, r.log)

	r.flowsMu.Lock()
	r.tcpFlows[key] = f
	r.flowsMu.Unlock()

	now := time.Now()
	// A capacity-evicted flow records its own eviction metric from its
	// OnClosed callback.
	r.table.Insert(&conntrack.Flow{
		Key:            key,
		Opened:         now,
		LastActive:     now,
		Closer:         func() { f.Close() },
		CapacityCloser: func() { f.CloseWithRST(ctx) },
	})

	f.OnClosed = func(reason string) {
		r.flowsMu.Lock()
		delete(r.tcpFlows, key)
		r.flowsMu.Unlock()

		in, out := f.Stats()
		r.recordBytes(in, out)
		r.table.Remove(key)
		if reason == "evicted" {
			r.cfg.Metrics.RecordTCPEviction()
		} else {
			r.cfg.Metrics.RecordTCPClose()
		}
	}

	r.cfg.Metrics.RecordTCPOpen()
	f.Start(ctx)
}

func (r *Router) handleUDP(ctx context.Context, ipHdr *ipv4.Header, dgramBuf []byte) {
	dgram, payload, err := udpseg.Parse(dgramBuf)
	if err != nil {
		r.cfg.Metrics.RecordTunDrop("malformed_udp")
		return
	}

	key := conntrack.FlowKey{
		Proto:   conntrack.UDP,
		SrcAddr: netip.AddrFrom4(ipHdr.Src),
		SrcPort: dgram.SrcPort,
		DstAddr: netip.AddrFrom4(ipHdr.Dst),
		DstPort: dgram.DstPort,
	}

	r.flowsMu.Lock()
	flow, ok := r.udpFlows[key]
	r.flowsMu.Unlock()

	if ok {
		r.table.Touch(key, time.Now())
		flow.Deliver(ctx, payload)
		return
	}

	client := udpflow.Addr{IP: ipHdr.Src, Port: dgram.SrcPort}
	server := udpflow.Addr{IP: ipHdr.Dst, Port: dgram.DstPort}

	var f *udpflow.Flow
	if dgram.DstPort == udpflow.DNSPort {
		f = udpflow.NewDNSFlow(client, server, r.dnsDialer(key.DstAddr, dgram.DstPort), r.writePacket, r.log)
	} else {
		assoc, err := r.getOrCreateAssociation(ctx)
		if err != nil {
			r.cfg.Metrics.RecordTunDrop("udp_associate_unavailable")
			return
		}
		f = udpflow.NewAssociatedFlow(client, server, assoc, r.writePacket, r.log)
	}

	r.flowsMu.Lock()
	r.udpFlows[key] = f
	r.flowsMu.Unlock()

	now := time.Now()
	// A capacity-evicted flow's Closer records its own eviction metric.
	r.table.Insert(&conntrack.Flow{
		Key:        key,
		Opened:     now,
		LastActive: now,
		Closer: func() {
			r.flowsMu.Lock()
			delete(r.udpFlows, key)
			r.flowsMu.Unlock()

			in, out := f.Stats()
			r.recordBytes(in, out)
			f.Close()
			r.cfg.Metrics.RecordUDPEviction()
		},
	})

	r.cfg.Metrics.RecordUDPOpen()
	f.Deliver(ctx, payload)
}

func (r *Router) recordBytes(in, out uint64) {
	if in > 0 {
		r.bytesInTotal.Add(in)
	}
	if out > 0 {
		r.bytesOutTotal.Add(out)
	}
	r.cfg.Metrics.RecordBytes(in, out)
}

// writePacket is the single TUN egress writer every flow shares.
func (r *Router) writePacket(ctx context.Context, pkt []byte) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.dev.WritePacket(ctx, pkt)
}

// writeRST answers an unrecognized non-SYN, non-RST segment with a
// bare RST so the sender stops retransmitting into a dead flow.
func (r *Router) writeRST(ctx context.Context, ipHdr *ipv4.Header, seg *tcpseg.Header) {
	rst := tcpseg.Emit(tcpseg.EmitParams{
		SrcIP:   ipHdr.Dst,
		DstIP:   ipHdr.Src,
		SrcPort: seg.DstPort,
		DstPort: seg.SrcPort,
		Seq:     seg.Ack,
		Ack:     0,
		Flags:   tcpseg.FlagRST,
	}, nil)

	pkt, err := ipv4.Emit(ipHdr.Dst, ipHdr.Src, ipv4.ProtoTCP, 0, rst)
	if err != nil {
		return
	}
	r.writePacket(ctx, pkt)
}

// runEviction periodically sweeps the table for idle flows. TCP and
// UDP use different idle thresholds, so two cutoffs are passed in a
// single sweep.
func (r *Router) runEviction(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case now := <-ticker.C:
			r.table.EvictIdle(now.Add(-tcpIdleTimeout), now.Add(-udpIdleTimeout))
		}
	}
}

// socks5ConnectDialer returns a tcpflow.Dialer that performs a SOCKS5
// CONNECT to dst through the configured proxy.
func (r *Router) socks5ConnectDialer(dstAddr netip.Addr, dstPort uint16) tcpflow.Dialer {
	return func(ctx context.Context) (net.Conn, error) {
		start := time.Now()
		conn, err := r.dialAndHandshake(ctx, func(c net.Conn) error {
			_, err := socks5client.Connect(c, netip.AddrPortFrom(dstAddr, dstPort))
			return err
		})
		if err == nil {
			r.cfg.Metrics.RecordSocks5Handshake(time.Since(start).Seconds())
		} else {
			r.recordSocks5Rejection(err)
		}
		return conn, err
	}
}

// dnsDialer returns a dialer that performs a SOCKS5 CONNECT to the
// configured DNS resolver override, or the packet's own destination
// when no override is configured.
func (r *Router) dnsDialer(packetDst netip.Addr, packetDstPort uint16) func(ctx context.Context) (net.Conn, error) {
	target := netip.AddrPortFrom(packetDst, packetDstPort)
	if r.cfg.DNSResolver.IsValid() {
		target = r.cfg.DNSResolver
	}
	return func(ctx context.Context) (net.Conn, error) {
		ctx, cancel := context.WithTimeout(ctx, dnsQueryTimeout)
		defer cancel()

		start := time.Now()
		conn, err := r.dialAndHandshake(ctx, func(c net.Conn) error {
			_, err := socks5client.Connect(c, target)
			return err
		})
		if err == nil {
			r.cfg.Metrics.RecordDNSQuery(time.Since(start).Seconds())
			// The query round trip runs on conn after this dialer
			// returns, so the same deadline is carried on the connection.
			if deadline, ok := ctx.Deadline(); ok {
				conn.SetDeadline(deadline)
			}
		} else {
			r.recordSocks5Rejection(err)
		}
		return conn, err
	}
}

// getOrCreateAssociation lazily negotiates the single UDP ASSOCIATE
// relay shared by every non-DNS UDP flow. Once the proxy has refused
// ASSOCIATE with REP=0x07, it never retries.
func (r *Router) getOrCreateAssociation(ctx context.Context) (*udpflow.Association, error) {
	if r.udpAssociateDisabled.Load() {
		return nil, ErrUDPAssociateDisabled
	}

	r.assocMu.Lock()
	defer r.assocMu.Unlock()

	if r.assoc != nil && r.assoc.State() != udpflow.StateClosed {
		return r.assoc, nil
	}

	deadline := time.Now().Add(socks5HandshakeTimeout)
	handshakeCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	dialer := net.Dialer{}
	ctrl, err := dialer.DialContext(handshakeCtx, "tcp", r.cfg.SocksAddr.String())
	if err != nil {
		return nil, fmt.Errorf("router: dial socks5 proxy: %w", err)
	}

	if err := ctrl.SetDeadline(deadline); err != nil {
		ctrl.Close()
		return nil, fmt.Errorf("router: set handshake deadline: %w", err)
	}

	if err := socks5client.GreetWithAuth(ctrl, r.cfg.Username, r.cfg.Password); err != nil {
		ctrl.Close()
		return nil, err
	}

	bound, err := socks5client.UDPAssociate(ctrl, netip.AddrPort{})
	if err != nil {
		ctrl.Close()
		var replyErr *socks5client.ReplyError
		if errors.As(err, &replyErr) && replyErr.Code == socks5client.ReplyCmdNotSupported {
			r.udpAssociateDisabled.Store(true)
			r.log.Info("socks5 proxy rejected udp associate, disabling for remainder of process")
			return nil, ErrUDPAssociateDisabled
		}
		return nil, err
	}

	// The control connection stays open for the association's
	// lifetime (it carries the ASSOCIATE binding), so the handshake
	// deadline is cleared rather than left in place.
	if err := ctrl.SetDeadline(time.Time{}); err != nil {
		ctrl.Close()
		return nil, fmt.Errorf("router: clear handshake deadline: %w", err)
	}

	relayAddr := net.UDPAddrFromAddrPort(netip.AddrPortFrom(bound.IP, bound.Port))
	relay, err := net.DialUDP("udp", nil, relayAddr)
	if err != nil {
		ctrl.Close()
		return nil, fmt.Errorf("router: dial udp relay: %w", err)
	}

	assoc := udpflow.NewAssociation(ctrl, relay, r.log)
	r.assoc = assoc
	go assoc.Run(context.Background())
	return assoc, nil
}

// dialAndHandshake dials the configured proxy, greets it, and invokes
// handshake (the CONNECT or UDP ASSOCIATE request) before handing back
// the raw connection. The dial, greet, and handshake round trips
// together are bounded by socks5HandshakeTimeout: the deadline is set
// on the connection itself (not just the dial's context) since Greet
// and handshake do blocking reads/writes that don't take a context.
func (r *Router) dialAndHandshake(ctx context.Context, handshake func(net.Conn) error) (net.Conn, error) {
	deadline := time.Now().Add(socks5HandshakeTimeout)
	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(dialCtx, "tcp", r.cfg.SocksAddr.String())
	if err != nil {
		return nil, fmt.Errorf("router: dial socks5 proxy: %w", err)
	}

	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, fmt.Errorf("router: set handshake deadline: %w", err)
	}

	if err := socks5client.GreetWithAuth(conn, r.cfg.Username, r.cfg.Password); err != nil {
		conn.Close()
		return nil, err
	}
	if err := handshake(conn); err != nil {
		conn.Close()
		return nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("router: clear handshake deadline: %w", err)
	}
	return conn, nil
}

func (r *Router) recordSocks5Rejection(err error) {
	var replyErr *socks5client.ReplyError
	if errors.As(err, &replyErr) {
		r.cfg.Metrics.RecordSocks5Rejection(fmt.Sprintf("0x%02x", replyErr.Code))
	}
}
