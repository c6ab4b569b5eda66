package udpflow

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/badscrew/selfproxy-sub003/internal/ipv4"
	"github.com/badscrew/selfproxy-sub003/internal/socks5client"
	"github.com/badscrew/selfproxy-sub003/internal/udpseg"
)

type capturedWriter struct {
	mu   sync.Mutex
	pkts [][]byte
}

func (c *capturedWriter) write(_ context.Context, pkt []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pkts = append(c.pkts, append([]byte(nil), pkt...))
	return nil
}

func (c *capturedWriter) waitForOne(t *testing.T) []byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		n := len(c.pkts)
		c.mu.Unlock()
		if n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for a captured packet")
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pkts[0]
}

func TestDNSFlowRoundTrip(t *testing.T) {
	remote, local := net.Pipe()
	defer remote.Close()
	defer local.Close()

	dial := func(ctx context.Context) (net.Conn, error) { return local, nil }

	// Simulate the resolver: read the length-prefixed query, answer
	// with a length-prefixed response.
	go func() {
		lenBuf := make([]byte, 2)
		if _, err := remote.Read(lenBuf); err != nil {
			return
		}
		qlen := int(lenBuf[0])<<8 | int(lenBuf[1])
		query := make([]byte, qlen)
		remote.Read(query)

		resp := []byte("dns answer bytes")
		out := []byte{0, byte(len(resp))}
		out = append(out, resp...)
		remote.Write(out)
	}()

	cw := &capturedWriter{}
	client := Addr{IP: [4]byte{10, 0, 0, 2}, Port: 54000}
	server := Addr{IP: [4]byte{8, 8, 8, 8}, Port: 53}

	f := NewDNSFlow(client, server, dial, cw.write, nil)
	f.Deliver(context.Background(), []byte("dns query bytes"))

	pkt := cw.waitForOne(t)
	_, dgram, err := ipv4.Parse(pkt)
	if err != nil {
		t.Fatalf("ipv4.Parse: %v", err)
	}
	_, payload, err := udpseg.Parse(dgram)
	if err != nil {
		t.Fatalf("udpseg.Parse: %v", err)
	}
	if !bytes.Equal(payload, []byte("dns answer bytes")) {
		t.Fatalf("payload mismatch: %q", payload)
	}
}

func TestAssociatedFlowSendAndReceive(t *testing.T) {
	relayServer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer relayServer.Close()

	relayClient, err := net.DialUDP("udp", nil, relayServer.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer relayClient.Close()

	ctrlServer, ctrlClient := net.Pipe()
	defer ctrlServer.Close()
	defer ctrlClient.Close()

	assoc := NewAssociation(ctrlClient, relayClient, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go assoc.Run(ctx)

	cw := &capturedWriter{}
	client := Addr{IP: [4]byte{10, 0, 0, 2}, Port: 54000}
	server := Addr{IP: [4]byte{93, 184, 216, 34}, Port: 9999}

	f := NewAssociatedFlow(client, server, assoc, cw.write, nil)
	defer f.Close()

	f.Deliver(context.Background(), []byte("outbound datagram"))

	buf := make([]byte, 2048)
	relayServer.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, clientAddr, err := relayServer.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}
	_, payload, err := socks5client.DecapsulateUDP(buf[:n])
	if err != nil {
		t.Fatalf("DecapsulateUDP: %v", err)
	}
	if !bytes.Equal(payload, []byte("outbound datagram")) {
		t.Fatalf("payload mismatch: %q", payload)
	}

	reply := socks5client.EncapsulateUDP(server.toAddrPort(), []byte("inbound datagram"))
	if _, err := relayServer.WriteToUDP(reply, clientAddr); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}

	pkt := cw.waitForOne(t)
	_, dgram, err := ipv4.Parse(pkt)
	if err != nil {
		t.Fatalf("ipv4.Parse: %v", err)
	}
	_, got, err := udpseg.Parse(dgram)
	if err != nil {
		t.Fatalf("udpseg.Parse: %v", err)
	}
	if !bytes.Equal(got, []byte("inbound datagram")) {
		t.Fatalf("reply payload mismatch: %q", got)
	}
}
