// Package ipi implements the cross-PP coordination primitives spec.md
// §5 requires: a per-PP mailbox for VPS migration ("an IPI to the
// owning PP to deactivate it, then activation on the target") and a
// broadcast-and-wait stop protocol ("a VMM-level 'stop' is broadcast by
// IPI to all PPs; each PP deactivates its VPS, restores host state, and
// returns to the driver's call site. There is no timeout on
// cancellation — the operation is synchronous.").
//
// There is no real inter-processor interrupt available from a
// userspace /dev/kvm process — a PP here is a goroutine, not a
// physical core — so an IPI is modeled as an unbuffered channel send the
// target PP's dispatch loop polls between hypercalls, with the sender
// blocking on an ack channel until the target has actually run the
// handler. That preserves spec.md's synchronous, no-timeout contract.
package ipi

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/Bareflank/hypervisor-sub014/internal/bferr"
)

// Message is one IPI delivered to a PP's mailbox.
type Message struct {
	// Kind distinguishes migration IPIs from the stop broadcast; a
	// Handler registered per-PP decides what to do with each.
	Kind Kind
	// VPSID is set for KindDeactivateVPS.
	VPSID uint16
}

// Kind enumerates the IPI reasons spec.md §5 names.
type Kind int

const (
	// KindDeactivateVPS asks the owning PP to deactivate a VPS ahead
	// of migration to another PP.
	KindDeactivateVPS Kind = iota
	// KindStop asks the PP to deactivate its active VPS, restore host
	// state, and return to the driver's call site.
	KindStop
)

// Handler processes one delivered Message on the PP it was sent to.
// It runs on the receiving PP's own goroutine, never the sender's.
type Handler func(Message) error

// mailbox is one PP's inbox: an unbuffered message channel (a PP
// handles at most one IPI at a time — the synchronous, no-timeout
// contract spec.md describes rules out queueing a backlog) plus the
// unbuffered ack channel the sender waits on. The PP's handler is kept
// in Bus.handler, not here.
type mailbox struct {
	in  chan Message
	ack chan error
}

// Bus fans IPIs out to every registered PP mailbox and collects acks.
// The zero value is not usable; construct with NewBus.
type Bus struct {
	boxes   []*mailbox
	handler []Handler
}

// NewBus allocates a Bus with one mailbox per PP, numPPs matching the
// size of the per-PP TLS table (internal/tls.Table.NumPPs).
func NewBus(numPPs int) *Bus {
	b := &Bus{
		boxes:   make([]*mailbox, numPPs),
		handler: make([]Handler, numPPs),
	}
	for i := range b.boxes {
		b.boxes[i] = &mailbox{in: make(chan Message), ack: make(chan error)}
	}
	return b
}

// NumPPs returns the number of PP mailboxes this bus manages.
func (b *Bus) NumPPs() int { return len(b.boxes) }

// Register installs the Handler a PP's dispatch loop runs against
// every Message delivered to its mailbox. Serve must be running on
// that PP's goroutine for deliveries to be processed.
func (b *Bus) Register(ppID uint16, h Handler) error {
	if int(ppID) >= len(b.boxes) {
		return bferr.New(bferr.InvalidIndex, "ipi: pp id out of range")
	}
	b.handler[ppID] = h
	return nil
}

// Serve runs ppID's mailbox loop until ctx is cancelled: every
// delivered Message is passed to the registered Handler and the result
// acked back to the sender before the next Message is accepted. A PP
// with no registered Handler acks every Message with an error.
func (b *Bus) Serve(ctx context.Context, ppID uint16) error {
	if int(ppID) >= len(b.boxes) {
		return bferr.New(bferr.InvalidIndex, "ipi: pp id out of range")
	}
	box := b.boxes[ppID]
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-box.in:
			h := b.handler[ppID]
			var err error
			if h == nil {
				err = bferr.New(bferr.InvalidArgument, "ipi: pp has no registered handler")
			} else {
				err = h(msg)
			}
			select {
			case box.ack <- err:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Send delivers msg to a single PP's mailbox and blocks for its ack,
// implementing the VPS-migration IPI ("an IPI to the owning PP to
// deactivate it, then activation on the target").
func (b *Bus) Send(ctx context.Context, ppID uint16, msg Message) error {
	if int(ppID) >= len(b.boxes) {
		return bferr.New(bferr.InvalidIndex, "ipi: pp id out of range")
	}
	box := b.boxes[ppID]
	select {
	case box.in <- msg:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-box.ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast delivers msg to every PP's mailbox concurrently and waits
// for every PP to ack, implementing the stop protocol ("broadcast by
// IPI to all PPs... the operation is synchronous"). The first error
// from any PP is returned after all PPs have been waited on; a failing
// PP does not stop delivery to the others.
func (b *Bus) Broadcast(ctx context.Context, msg Message) error {
	// A bare errgroup.Group (no WithContext) waits for every goroutine
	// regardless of an earlier one's error, which is what "a failing PP
	// does not stop delivery to the others" requires — WithContext's
	// cancel-on-first-error would abort in-flight sends to PPs that
	// haven't been reached yet.
	var g errgroup.Group
	for i := range b.boxes {
		ppID := uint16(i)
		g.Go(func() error {
			return b.Send(ctx, ppID, msg)
		})
	}
	return g.Wait()
}

// Stop broadcasts KindStop to every PP and waits for all of them to
// deactivate and return to the driver's call site.
func (b *Bus) Stop(ctx context.Context) error {
	return b.Broadcast(ctx, Message{Kind: KindStop})
}
