//go:build linux
// +build linux

package afring

import (
	"time"

	"golang.org/x/sys/unix"
)

// Block denotes a zero-copy view onto a single ring buffer block while it is
// owned by the consumer (i.e. between GetBlock() observing the user-owned
// status and MarkConsumed() handing the memory back to the kernel). A Block
// obtained but never marked consumed permanently starves the ring of that slot
type Block struct {
	ring *Ring

	data []byte
	desc blockDesc
	num  int
	gen  uint64

	consumed bool
}

// NumPackets returns the number of frames the kernel placed in this block
func (b *Block) NumPackets() int {
	return int(b.desc.numPkts)
}

// SeqNum returns the kernel-assigned sequence number of this block
func (b *Block) SeqNum() uint64 {
	return b.desc.seqNum
}

// RawPackets returns a lazy cursor over the frames of this block, in arrival
// order. The cursor is finite and non-restartable; every Packet it produces is
// only valid until the Block is marked consumed
func (b *Block) RawPackets() *PacketCursor {
	return &PacketCursor{
		block: b,
		pos:   b.desc.offsetToFirstPkt,
		left:  b.desc.numPkts,
	}
}

// MarkConsumed releases the block back to the kernel: it invalidates all
// Packet views derived from the block (by advancing the ring generation) and
// then performs the release-store of the kernel-owned status into the block's
// status word. The kernel may overwrite the memory immediately afterwards.
// Calling MarkConsumed a second time is a no-op
func (b *Block) MarkConsumed() {
	if b.consumed {
		return
	}
	b.consumed = true

	// The generation bump must precede the status store: once the kernel owns
	// the block again any outstanding view must already read as stale
	b.ring.generation.Add(1)
	setBlockStatus(b.data, unix.TP_STATUS_KERNEL)
}

// PacketCursor denotes a lazy, in-order, non-restartable iteration over the
// frames of one Block. Iteration ends after the block's declared frame count
// or, should a malformed frame header be encountered, with an error accessible
// via Err() (all remaining frames are dropped in that case since a misparsed
// offset would invalidate every subsequent frame)
type PacketCursor struct {
	block *Block

	pos  uint32
	left uint32
	err  error
}

// Next produces the next frame view of the block, returning false once the
// sequence is exhausted (or iteration was aborted due to a parse failure)
func (c *PacketCursor) Next() (Packet, bool) {

	if c.err != nil || c.left == 0 {
		return Packet{}, false
	}

	hdr, err := parseTPacketHeader(c.block.data, c.pos, c.block.num)
	if err != nil {
		c.err = err
		c.left = 0
		return Packet{}, false
	}

	payloadStart := c.pos + uint32(hdr.macOffset)
	pkt := Packet{
		ring:    c.block.ring,
		gen:     c.block.gen,
		payload: c.block.data[payloadStart : payloadStart+hdr.snaplen],
		sec:     hdr.sec,
		nsec:    hdr.nsec,
		snapLen: hdr.snaplen,
		pktLen:  hdr.pktLen,
		rxHash:  hdr.rxHash,
		pktType: c.block.packetType(c.pos),
	}

	c.left--
	if c.left > 0 {
		// The kernel guarantees a non-zero tp_next_offset for every frame but
		// the last one of a block, c.f.
		// https://github.com/torvalds/linux/blame/master/net/packet/af_packet.c#L811
		if hdr.nextOffset == 0 {
			c.err = errTruncatedChain(c.block.num, c.pos)
			c.left = 0
			return pkt, true
		}

		// Advance in 64 bit so a corrupt next-offset cannot wrap around and
		// land on an earlier offset that happens to parse
		next := uint64(c.pos) + uint64(hdr.nextOffset)
		if next+tPacketHeaderLen > uint64(len(c.block.data)) {
			c.err = errChainBeyondBlock(c.block.num, c.pos)
			c.left = 0
			return pkt, true
		}
		c.pos = uint32(next)
	}

	return pkt, true
}

// Err returns the error that aborted iteration (nil after a clean exhaustion
// of the block's declared frame count)
func (c *PacketCursor) Err() error {
	return c.err
}

// Packet denotes a zero-copy, bounds-checked view onto a single captured frame
// within a block, exposing the capture timestamp, capture (snap) length,
// original wire length and raw payload. The view is valid only until its
// parent Block is marked consumed
type Packet struct {
	ring *Ring
	gen  uint64

	payload []byte

	sec     uint32
	nsec    uint32
	snapLen uint32
	pktLen  uint32
	rxHash  uint32
	pktType byte
}

// Timestamp returns the kernel capture timestamp of the frame
func (p *Packet) Timestamp() time.Time {
	return time.Unix(int64(p.sec), int64(p.nsec))
}

// SnapLen returns the number of payload bytes actually captured
func (p *Packet) SnapLen() int {
	return int(p.snapLen)
}

// TotalLen returns the original wire length of the frame (prior to any
// truncation to the capture length)
func (p *Packet) TotalLen() int {
	return int(p.pktLen)
}

// Type returns the packet type (PACKET_HOST, PACKET_BROADCAST, ...) assigned
// by the kernel
func (p *Packet) Type() byte {
	return p.pktType
}

// RXHash returns the kernel-computed flow hash of the frame (zero unless the
// ring was configured with FillRXHash)
func (p *Packet) RXHash() uint32 {
	return p.rxHash
}

// Payload provides zero-copy access to the captured frame payload (snap length
// bytes, including all encapsulations). It returns nil once the parent block
// has been released back to the kernel, since the underlying memory may be
// overwritten at any moment from that point on
func (p *Packet) Payload() []byte {
	if p.ring != nil && p.gen != p.ring.generation.Load() {
		return nil
	}
	return p.payload
}

//////////////////////////////////////////////////////////////////////////////////////////////////

func (b *Block) packetType(pos uint32) byte {
	if int(pos)+pktTypePos < len(b.data) {
		return b.data[pos+pktTypePos]
	}
	return 0
}
