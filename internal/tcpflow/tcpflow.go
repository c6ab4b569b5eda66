// Package tcpflow drives a single TCP flow's state machine: terminating
// the TUN side's TCP connection locally and relaying its byte stream
// through a SOCKS5 CONNECT tunnel.
package tcpflow

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/badscrew/selfproxy-sub003/internal/ipv4"
	"github.com/badscrew/selfproxy-sub003/internal/logging"
	"github.com/badscrew/selfproxy-sub003/internal/tcpseg"
)

// MSS is the maximum number of payload bytes per outbound TCP segment.
const MSS = 1400

// mailboxCapacity bounds the number of TUN-side segments queued for a
// flow's task goroutine. A full mailbox is a flow-local backpressure
// signal: the caller drops the segment rather than blocking the
// shared ingress loop, and the client's own TCP stack retransmits.
const mailboxCapacity = 64

// State is a position in the flow's simplified TCP state machine.
type State uint8

const (
	StateSynReceived State = iota
	StateConnecting
	StateEstablished
	StateFinWait
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateSynReceived:
		return "syn_received"
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateFinWait:
		return "fin_wait"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Dialer opens the SOCKS5 CONNECT tunnel for a flow's destination.
type Dialer func(ctx context.Context) (net.Conn, error)

// WriteFunc writes a completed IPv4 packet into the TUN device.
type WriteFunc func(ctx context.Context, pkt []byte) error

// Addr identifies one side of the flow at the IP/port level.
type Addr struct {
	IP   [4]byte
	Port uint16
}

// Flow owns the TCP state machine and SOCKS5 relay goroutine for one
// client-initiated connection. Create with New, then call Start and
// feed inbound TUN segments to Deliver.
type Flow struct {
	Client Addr
	Server Addr

	dial  Dialer
	toTun WriteFunc
	log   *slog.Logger

	// OnClosed is invoked exactly once, from the flow's own goroutine,
	// when the flow transitions to StateClosed. reason is a short,
	// stable tag suitable for metrics labels.
	OnClosed func(reason string)

	inbox     chan segment
	done      chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	state      State
	clientISN  uint32
	serverISN  uint32
	clientNext uint32 // next byte expected from the client; our outgoing ACK
	serverNext uint32 // next byte we will send; our outgoing SEQ
	window     uint16

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

type segment struct {
	hdr     *tcpseg.Header
	payload []byte
}

var seqCounter atomic.Uint32

func init() {
	var seed [4]byte
	if _, err := rand.Read(seed[:]); err == nil {
		seqCounter.Store(binary.BigEndian.Uint32(seed[:]))
	}
}

func nextISN() uint32 {
	return seqCounter.Add(1 + 64000)
}

// New constructs a flow from the client's opening SYN. clientISN is
// the sequence number carried by that SYN.
func New(client, server Addr, clientISN uint32, dial Dialer, toTun WriteFunc, logger *slog.Logger) *Flow {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Flow{
		Client:     client,
		Server:     server,
		dial:       dial,
		toTun:      toTun,
		log:        logger,
		inbox:      make(chan segment, mailboxCapacity),
		done:       make(chan struct{}),
		state:      StateSynReceived,
		clientISN:  clientISN,
		clientNext: clientISN + 1,
		serverISN:  nextISN(),
	}
}

// State returns the flow's current state.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Stats returns the flow's cumulative byte counters.
func (f *Flow) Stats() (in, out uint64) {
	return f.bytesIn.Load(), f.bytesOut.Load()
}

func (f *Flow) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// Deliver hands a parsed TCP segment from the TUN side to the flow's
// task goroutine. It never blocks: if the mailbox is full the segment
// is dropped and false is returned.
func (f *Flow) Deliver(hdr *tcpseg.Header, payload []byte) bool {
	select {
	case f.inbox <- segment{hdr: hdr, payload: payload}:
		return true
	default:
		return false
	}
}

// Close tears down the flow immediately and silently (e.g. on idle
// timeout eviction), without notifying the client.
func (f *Flow) Close() {
	f.closeOnce.Do(func() {
		close(f.done)
	})
}

// CloseWithRST tears down the flow and emits a RST to the client first,
// for cases where the client needs to know the connection was cut out
// from under it (e.g. capacity-driven eviction) rather than silently
// disappearing.
func (f *Flow) CloseWithRST(ctx context.Context) {
	switch f.State() {
	case StateEstablished, StateFinWait:
		f.sendRST(ctx)
	case StateSynReceived, StateConnecting:
		f.sendRSTUnestablished(ctx)
	}
	f.Close()
}

// Start launches the flow's task goroutine: it dials the SOCKS5
// tunnel, emits the SYN-ACK (or RST on dial failure), and then relays
// bytes in both directions until the flow closes.
func (f *Flow) Start(ctx context.Context) {
	go f.run(ctx)
}

func (f *Flow) run(ctx context.Context) {
	reason := "closed"
	defer func() {
		f.setState(StateClosed)
		if f.OnClosed != nil {
			f.OnClosed(reason)
		}
	}()

	f.setState(StateConnecting)
	conn, err := f.dial(ctx)
	if err != nil {
		f.log.Debug("socks5 dial failed", logging.KeyReason, err.Error())
		f.sendRSTUnestablished(ctx)
		reason = "dial_failed"
		return
	}
	defer conn.Close()

	f.setState(StateEstablished)
	if err := f.sendSynAck(ctx); err != nil {
		reason = "tun_write_failed"
		return
	}

	upstreamDone := make(chan struct{})
	go func() {
		defer close(upstreamDone)
		f.pumpUpstream(ctx, conn)
	}()

	clientFin := false
	for {
		select {
		case <-f.done:
			reason = "evicted"
			return
		case <-ctx.Done():
			reason = "shutdown"
			return
		case <-upstreamDone:
			// Remote side closed or errored; send our FIN once.
			if !clientFin {
				f.sendFin(ctx)
			}
			reason = "remote_closed"
			return
		case seg := <-f.inbox:
			if seg.hdr.HasFlag(tcpseg.FlagRST) {
				reason = "reset"
				return
			}
			if len(seg.payload) > 0 {
				if _, err := conn.Write(seg.payload); err != nil {
					reason = "upstream_write_failed"
					return
				}
				f.bytesOut.Add(uint64(len(seg.payload)))
				f.mu.Lock()
				f.clientNext = seg.hdr.Seq + uint32(len(seg.payload))
				f.mu.Unlock()
				if err := f.sendAck(ctx); err != nil {
					reason = "tun_write_failed"
					return
				}
			}
			if seg.hdr.HasFlag(tcpseg.FlagFIN) {
				clientFin = true
				f.mu.Lock()
				f.clientNext = seg.hdr.Seq + uint32(len(seg.payload)) + 1
				f.mu.Unlock()
				if cw, ok := conn.(interface{ CloseWrite() error }); ok {
					cw.CloseWrite()
				}
				f.setState(StateFinWait)
				if err := f.sendAck(ctx); err != nil {
					reason = "tun_write_failed"
					return
				}
			}
		}
	}
}

// pumpUpstream copies bytes arriving from the SOCKS5 tunnel into
// MSS-sized TCP segments written back through the TUN device.
func (f *Flow) pumpUpstream(ctx context.Context, conn net.Conn) {
	buf := make([]byte, MSS)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			f.bytesIn.Add(uint64(n))
			if werr := f.sendData(ctx, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				f.log.Debug("socks5 tunnel read error", logging.KeyReason, err.Error())
			}
			return
		}
	}
}

func (f *Flow) sendSynAck(ctx context.Context) error {
	f.mu.Lock()
	seq := f.serverISN
	ack := f.clientNext
	f.serverNext = seq + 1
	f.mu.Unlock()

	return f.emitAndWrite(ctx, seq, ack, tcpseg.FlagSYN|tcpseg.FlagACK, nil)
}

func (f *Flow) sendAck(ctx context.Context) error {
	f.mu.Lock()
	seq := f.serverNext
	ack := f.clientNext
	f.mu.Unlock()

	return f.emitAndWrite(ctx, seq, ack, tcpseg.FlagACK, nil)
}

func (f *Flow) sendData(ctx context.Context, payload []byte) error {
	f.mu.Lock()
	seq := f.serverNext
	ack := f.clientNext
	f.serverNext = seq + uint32(len(payload))
	f.mu.Unlock()

	return f.emitAndWrite(ctx, seq, ack, tcpseg.FlagPSH|tcpseg.FlagACK, payload)
}

func (f *Flow) sendFin(ctx context.Context) error {
	f.mu.Lock()
	seq := f.serverNext
	ack := f.clientNext
	f.serverNext = seq + 1
	f.mu.Unlock()

	return f.emitAndWrite(ctx, seq, ack, tcpseg.FlagFIN|tcpseg.FlagACK, nil)
}

// sendRSTUnestablished emits a RST for a connection that never reached
// the established state (e.g. the upstream CONNECT failed before any
// SYN-ACK was sent). Per RFC 793's SEGMENT-ARRIVES processing for a
// connection with no outstanding send sequence, SEQ is 0.
func (f *Flow) sendRSTUnestablished(ctx context.Context) error {
	f.mu.Lock()
	ack := f.clientNext
	f.mu.Unlock()

	return f.emitAndWrite(ctx, 0, ack, tcpseg.FlagRST|tcpseg.FlagACK, nil)
}

// sendRST emits a RST using the flow's current send sequence number,
// for a connection that reached the established state.
func (f *Flow) sendRST(ctx context.Context) error {
	f.mu.Lock()
	seq := f.serverNext
	ack := f.clientNext
	f.mu.Unlock()

	return f.emitAndWrite(ctx, seq, ack, tcpseg.FlagRST|tcpseg.FlagACK, nil)
}

func (f *Flow) emitAndWrite(ctx context.Context, seq, ack uint32, flags uint8, payload []byte) error {
	const windowSize = 65535

	seg := tcpseg.Emit(tcpseg.EmitParams{
		SrcIP:   f.Server.IP,
		DstIP:   f.Client.IP,
		SrcPort: f.Server.Port,
		DstPort: f.Client.Port,
		Seq:     seq,
		Ack:     ack,
		Flags:   flags,
		Window:  windowSize,
	}, payload)

	pkt, err := ipv4.Emit(f.Server.IP, f.Client.IP, ipv4.ProtoTCP, 0, seg)
	if err != nil {
		return err
	}
	return f.toTun(ctx, pkt)
}
