package netsync

import (
	"errors"
	"fmt"
	"log"
)

var ErrNotConnected = errors.New("netsync: not connected")

// Sender delivers one packet to the network.
type Sender interface {
	Send(p Packet) error
}

// Recorder keeps a copy of every packet after it is sent.
type Recorder interface {
	Write(v any) error
}

// Outbox holds packets for Delay ticks before sending them. Until a packet is
// sent the simulation may still rewind over its tick; Watermark reports the
// newest tick that has left the process.
type Outbox struct {
	Delay    uint64
	Sender   Sender
	Recorder Recorder
	Logger   *log.Logger

	pending   []Packet
	watermark uint64
	sent      uint64
}

func NewOutbox(delay uint64, s Sender) *Outbox {
	return &Outbox{Delay: delay, Sender: s}
}

func (o *Outbox) Push(p Packet) { o.pending = append(o.pending, p) }

func (o *Outbox) Pending() int { return len(o.pending) }

// Sent is the number of packets delivered so far.
func (o *Outbox) Sent() uint64 { return o.sent }

// Watermark is the tick of the last sent packet, 0 before anything was sent.
func (o *Outbox) Watermark() uint64 { return o.watermark }

// Discard drops pending packets newer than tick. Used after a rewind so stale
// ticks are never sent.
func (o *Outbox) Discard(after uint64) int {
	keep := o.pending[:0]
	dropped := 0
	for _, p := range o.pending {
		if p.Tick > after {
			dropped++
			continue
		}
		keep = append(keep, p)
	}
	o.pending = keep
	return dropped
}

// Flush sends, in order, every packet at least Delay ticks older than now. With
// force set everything pending goes out. Packets at or below the watermark are
// dropped unsent. On a send error the failed packet and everything after it
// stay queued.
func (o *Outbox) Flush(now uint64, force bool) error {
	i := 0
	for ; i < len(o.pending); i++ {
		p := o.pending[i]
		if o.sent > 0 && p.Tick <= o.watermark {
			continue
		}
		if !force && p.Tick+o.Delay > now {
			break
		}
		if o.Sender == nil {
			o.pending = o.pending[i:]
			return ErrNotConnected
		}
		if err := o.Sender.Send(p); err != nil {
			o.pending = o.pending[i:]
			return fmt.Errorf("netsync: send tick %d: %w", p.Tick, err)
		}
		o.sent++
		o.watermark = p.Tick
		if o.Recorder != nil {
			if err := o.Recorder.Write(p); err != nil && o.Logger != nil {
				o.Logger.Printf("packet log: %v", err)
			}
		}
	}
	o.pending = o.pending[i:]
	return nil
}
