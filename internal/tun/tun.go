// Package tun defines the TUN device abstraction the router reads
// client IPv4 packets from and writes its own generated packets to.
package tun

import (
	"context"
	"errors"
	"sync"
)

// Device is a userspace handle to a TUN interface: one full IPv4
// packet in, one full IPv4 packet out, no kernel-specific plumbing
// leaking into callers.
type Device interface {
	// ReadPacket blocks until one IPv4 packet is available, ctx is
	// canceled, or the device is closed.
	ReadPacket(ctx context.Context) ([]byte, error)

	// WritePacket writes one complete IPv4 packet to the device.
	WritePacket(ctx context.Context, pkt []byte) error

	// Close releases the device. Subsequent reads/writes fail.
	Close() error
}

// ErrClosed is returned by ReadPacket/WritePacket after Close.
var ErrClosed = errors.New("tun: device closed")

// LoopbackDevice is an in-memory Device backed by two buffered
// channels: packets written to it can be read back, in order, by
// a test or a local demo harness. It implements no actual kernel TUN
// interface.
type LoopbackDevice struct {
	mu     sync.Mutex
	closed bool
	inbox  chan []byte // packets queued for ReadPacket (injected via Inject)
	outbox chan []byte // packets queued by WritePacket (drained via Written)
}

// NewLoopbackDevice creates a LoopbackDevice with the given channel
// capacities.
func NewLoopbackDevice(capacity int) *LoopbackDevice {
	return &LoopbackDevice{
		inbox:  make(chan []byte, capacity),
		outbox: make(chan []byte, capacity),
	}
}

// Inject enqueues a packet for a future ReadPacket call, as if it had
// arrived from the kernel. It blocks if the inbox is full.
func (d *LoopbackDevice) Inject(ctx context.Context, pkt []byte) error {
	select {
	case d.inbox <- pkt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Written returns the channel of packets the router has written to
// this device, for a test or demo harness to observe.
func (d *LoopbackDevice) Written() <-chan []byte {
	return d.outbox
}

// ReadPacket implements Device.
func (d *LoopbackDevice) ReadPacket(ctx context.Context) ([]byte, error) {
	select {
	case pkt, ok := <-d.inbox:
		if !ok {
			return nil, ErrClosed
		}
		return pkt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WritePacket implements Device.
func (d *LoopbackDevice) WritePacket(ctx context.Context, pkt []byte) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrClosed
	}

	select {
	case d.outbox <- pkt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements Device.
func (d *LoopbackDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	close(d.inbox)
	return nil
}
