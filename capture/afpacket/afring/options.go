//go:build linux
// +build linux

package afring

import (
	"time"

	"github.com/DominoTree/go-af-packet/link"
	"golang.org/x/net/bpf"
)

// Option denotes a functional option for the Ring
type Option func(*Ring)

// CaptureLength sets a snapLen / capture length (max. number of bytes captured
// per packet); the ring frame size is derived from it unless set explicitly
// via FrameSize()
func CaptureLength(strategy link.CaptureLengthStrategy) Option {
	return func(r *Ring) {
		r.snapLen = strategy(r.link)
	}
}

// BufferSize sets the block size / number of blocks for the ring buffer; the
// total length of the memory region mapped into the process is their product
func BufferSize(blockSize, nBlocks int) Option {
	return func(r *Ring) {
		r.blockSize = pageSizeAlign(blockSize)
		r.nBlocks = nBlocks
	}
}

// FrameSize explicitly sets the ring frame size (minimum space per captured
// frame). It must be a multiple of the TPacket alignment and a divisor of the
// block size; violations surface as a ConfigurationError at construction
func FrameSize(frameSize int) Option {
	return func(r *Ring) {
		r.frameSize = frameSize
	}
}

// PollTimeout bounds the wait for the next ring buffer block: a GetBlock()
// call that observes no data within the timeout returns capture.ErrWouldBlock
// instead of blocking indefinitely
func PollTimeout(timeout time.Duration) Option {
	return func(r *Ring) {
		r.pollTimeout = timeout
	}
}

// RetireTimeout sets the block retire timeout (tp_retire_blk_tov): the kernel
// hands over a partially filled block after this duration even if it is not
// full yet
func RetireTimeout(timeout time.Duration) Option {
	return func(r *Ring) {
		r.retireTov = timeout
	}
}

// Promiscuous enables / disables promiscuous capture mode
func Promiscuous(enable bool) Option {
	return func(r *Ring) {
		r.isPromisc = enable
	}
}

// Fanout joins the ring's socket to the fanout group identified by groupID
// (using the process ID when zero), delegating flow distribution across all
// rings of the group to the kernel. Mode is one of socket.FanoutHash (flows
// pinned to one ring, no cross-ring ordering concerns) or
// socket.FanoutLoadBalance (round-robin)
func Fanout(mode, groupID int) Option {
	return func(r *Ring) {
		r.useFanout = true
		r.fanoutMode = mode
		r.fanoutGroupID = groupID & 0xFFFF
	}
}

// FillRXHash requests the kernel to populate the per-packet flow hash
// (TP_FT_REQ_FILL_RXHASH), accessible via Packet.RXHash()
func FillRXHash(enable bool) Option {
	return func(r *Ring) {
		r.fillRXHash = enable
	}
}

// ExtraBPFInstructions adds additional BPF instructions to the set of basic /
// existing ones used on the capture
func ExtraBPFInstructions(instr []bpf.RawInstruction) Option {
	return func(r *Ring) {
		r.extraBPFInstr = instr
	}
}
