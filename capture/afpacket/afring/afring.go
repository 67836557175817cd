//go:build linux
// +build linux

/*
Package afring implements the core of the AF_PACKET capture path: a TPACKET_V3
kernel ring buffer mapped into process memory and consumed block by block. A
Ring owns one raw socket and one memory mapping; the kernel writes frames into
fixed-size blocks of the mapping and hands each block over by flipping its
status word, GetBlock() claims the next user-owned block and Block / Packet
provide zero-copy, bounds-checked views onto the mapped memory until the block
is released back to the kernel via MarkConsumed().

The intended deployment is one Ring (socket, mapping and consuming goroutine)
per worker, with kernel-side fanout hashing partitioning traffic across the
workers' rings.
*/
package afring

import (
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/DominoTree/go-af-packet/capture"
	"github.com/DominoTree/go-af-packet/capture/afpacket/socket"
	"github.com/DominoTree/go-af-packet/event"
	"github.com/DominoTree/go-af-packet/link"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

const (
	DefaultSnapLen = (1 << 16) // DefaultSnapLen : 64 kiB
)

// Ring denotes an AF_PACKET capture source backed by a TPACKET_V3 mmap'ed ring
// buffer. It is safe for use by a single consuming goroutine; the only methods
// that may be called from other goroutines are Stats(), FileDescriptor() and
// Unblock() / Close()
type Ring struct {
	eventHandler *event.Handler

	snapLen     int
	blockSize   int
	nBlocks     int
	frameSize   int
	retireTov   time.Duration
	pollTimeout time.Duration
	isPromisc   bool
	fillRXHash  bool

	fanoutMode    int
	fanoutGroupID int
	useFanout     bool

	extraBPFInstr []bpf.RawInstruction

	link *link.Link

	tpReq  tPacketRequest
	ring   []byte
	offset int

	// generation is incremented on every block release; outstanding Packet
	// views compare it against their creation-time value before exposing the
	// underlying memory
	generation atomic.Uint64

	sync.Mutex
}

// NewRing instantiates a new ring buffer capture source on the named interface
func NewRing(iface string, options ...Option) (*Ring, error) {

	if iface == "" {
		return nil, &capture.InterfaceError{Iface: iface, Err: link.ErrNotExist}
	}
	l, err := link.New(iface)
	if err != nil {
		return nil, &capture.InterfaceError{Iface: iface, Err: err}
	}

	return NewRingFromLink(l, options...)
}

// NewRingFromLink instantiates a new ring buffer capture source taking an
// existing link instance
func NewRingFromLink(l *link.Link, options ...Option) (*Ring, error) {

	// Fail if link is not up
	if !l.IsUp() {
		return nil, &capture.InterfaceError{Iface: l.Name, Err: errLinkNotUp}
	}

	// Define new ring with defaults
	r := &Ring{
		eventHandler: new(event.Handler),

		snapLen:   DefaultSnapLen,
		blockSize: tPacketDefaultBlockSize,
		nBlocks:   tPacketDefaultBlockNr,
		retireTov: tPacketDefaultBlockTOV * time.Millisecond,
		link:      l,
	}

	for _, opt := range options {
		opt(r)
	}

	// Define a new TPacket request (explicit frame size geometry takes
	// precedence over the snaplen-derived one)
	var err error
	if r.frameSize > 0 {
		r.tpReq, err = newTPacketRequest(r.blockSize, r.nBlocks, r.frameSize)
	} else {
		r.tpReq, err = newTPacketRequestForBuffer(r.blockSize, r.nBlocks, r.snapLen)
	}
	if err != nil {
		return nil, err
	}
	r.tpReq.retireBlkTov = uint32(r.retireTov.Milliseconds())
	if r.fillRXHash {
		r.tpReq.featureReqWord = tPacketFeatReqFillRXHash
	}

	// Setup socket
	r.eventHandler.Fd, err = socket.New(l)
	if err != nil {
		return nil, err
	}

	// Set socket options
	if err := r.eventHandler.Fd.SetSocketOptions(l, r.snapLen, r.isPromisc, r.extraBPFInstr...); err != nil {
		_ = r.eventHandler.Fd.Close()
		return nil, err
	}

	// Setup ring buffer
	r.ring, r.eventHandler.Efd, err = setupRingBuffer(r.eventHandler.Fd, r.tpReq)
	if err != nil {
		_ = r.eventHandler.Fd.Close()
		return nil, err
	}

	// Join the fanout group (if any) only after the ring is fully set up so
	// traffic cannot arrive on a half-initialized ring
	if r.useFanout {
		if r.fanoutGroupID == 0 {
			r.fanoutGroupID = os.Getpid() & 0xFFFF
		}
		if err := r.eventHandler.Fd.SetFanout(r.fanoutMode, r.fanoutGroupID); err != nil {
			_ = unix.Munmap(r.ring)
			_ = r.eventHandler.Fd.Close()
			return nil, err
		}
	}

	// Clear socket stats (so the first query reports counts since creation)
	if _, err := r.eventHandler.Fd.GetSocketStats(); err != nil {
		_ = unix.Munmap(r.ring)
		_ = r.eventHandler.Fd.Close()
		return nil, err
	}

	return r, nil
}

// GetBlock waits for the block at the current ring cursor to be handed over by
// the kernel and returns a zero-copy view onto it, advancing the cursor. The
// wait is a cooperative PPOLL-and-retry (no busy spin). Without a PollTimeout
// the call blocks indefinitely; with one set it returns capture.ErrWouldBlock
// once the timeout elapses without data. The returned Block (and every Packet
// derived from it) is valid until its MarkConsumed() is called
func (r *Ring) GetBlock() (*Block, error) {

	// If the socket is invalid the capture is obviously closed
	if r.eventHandler.Fd < 0 {
		return nil, capture.ErrCaptureStopped
	}

	var timeout *unix.Timespec
	if r.pollTimeout > 0 {
		ts := unix.NsecToTimespec(r.pollTimeout.Nanoseconds())
		timeout = &ts
	}

	for {
		data := r.blockData(r.offset)

		for getBlockStatus(data)&unix.TP_STATUS_USER == 0 {
			efdHasEvent, errno := r.eventHandler.Poll(unix.POLLIN|unix.POLLERR, timeout)

			// If an event was received, ensure that the respective error is
			// returned immediately
			if efdHasEvent {
				return nil, r.handleEvent()
			}

			// Handle errors
			if errno != 0 {
				if errno == unix.EINTR {
					continue
				}
				if errno == unix.EBADF || errno == unix.ECONNRESET {
					return nil, capture.ErrCaptureBroken
				}
				return nil, &capture.ResourceError{Op: "failed to poll for next block", Err: errno}
			}

			// A poll that came back empty-handed can only mean an expired
			// timeout (would-block condition)
			if timeout != nil && getBlockStatus(data)&unix.TP_STATUS_USER == 0 {
				return nil, capture.ErrWouldBlock
			}
		}

		// Handle rare cases of runaway blocks (released back to the kernel
		// untouched)
		if getBlockStatus(data)&unix.TP_STATUS_COPY != 0 {
			setBlockStatus(data, unix.TP_STATUS_KERNEL)
			r.offset = (r.offset + 1) % r.nBlocks
			continue
		}

		desc, err := parseBlockDesc(data, r.offset)
		if err != nil {
			return nil, err
		}

		blk := &Block{
			ring: r,
			data: data,
			desc: desc,
			num:  r.offset,
			gen:  r.generation.Load(),
		}
		r.offset = (r.offset + 1) % r.nBlocks

		return blk, nil
	}
}

// Stats returns the packet counters of the underlying socket. The kernel
// clears the counters on read, so consecutive calls return deltas
func (r *Ring) Stats() (capture.Stats, error) {
	r.Lock()
	defer r.Unlock()

	ss, err := r.eventHandler.GetSocketStats()
	if err != nil {
		return capture.Stats{}, err
	}
	return capture.Stats{
		PacketsReceived: int(ss.Packets),
		PacketsDropped:  int(ss.Drops),
		QueueFreezes:    int(ss.QueueFreezes),
	}, nil
}

// StatsQuerier denotes any file descriptor capable of answering a
// PACKET_STATISTICS query (satisfied by socket.FileDescriptor and its mock)
type StatsQuerier interface {
	GetSocketStats() (socket.TPacketStats, error)
}

// GetRxStatistics performs a stateless statistics query against the socket
// referenced by fd, returning the number of packets dropped and received since
// the previous query (the kernel clears its counters on read). Any goroutine
// may call this using the descriptor exposed via FileDescriptor()
func GetRxStatistics(fd StatsQuerier) (packetsDropped, packetsReceived int, err error) {
	ss, err := fd.GetSocketStats()
	if err != nil {
		return 0, 0, err
	}

	return int(ss.Drops), int(ss.Packets), nil
}

// FileDescriptor exposes the underlying socket descriptor, strictly for
// statistics queries or external readiness polling. The Ring remains the sole
// owner (and closer) of the descriptor
func (r *Ring) FileDescriptor() socket.FileDescriptor {
	return r.eventHandler.Fd
}

// Link returns the underlying link
func (r *Ring) Link() *link.Link {
	return r.link
}

// Unblock releases a potentially ongoing blocking GetBlock() call (which then
// returns capture.ErrCaptureUnblocked)
func (r *Ring) Unblock() error {
	if r == nil || r.eventHandler.Efd < 0 || r.eventHandler.Fd < 0 {
		return errNilOrClosed
	}

	return r.eventHandler.Efd.Signal(event.SignalUnblock)
}

// Close stops the capture: any pending GetBlock() returns
// capture.ErrCaptureStopped and the socket is closed. Callers must have
// released all checked-out Blocks beforehand. Safe to call exactly once
func (r *Ring) Close() error {
	if r == nil || r.eventHandler.Efd < 0 || r.eventHandler.Fd < 0 {
		return errNilOrClosed
	}

	if err := r.eventHandler.Efd.Signal(event.SignalStop); err != nil {
		return err
	}

	if err := r.eventHandler.Fd.Close(); err != nil {
		return err
	}

	r.eventHandler.Fd = -1

	return nil
}

// Free releases the mapped ring buffer memory (must be called after Close();
// unmapping while the socket is still live would corrupt an active capture)
func (r *Ring) Free() error {
	if r == nil {
		return errNilOrClosed
	}
	if r.eventHandler.Fd >= 0 {
		return errStillOpen
	}

	if r.ring != nil {
		return unix.Munmap(r.ring)
	}

	return nil
}

//////////////////////////////////////////////////////////////////////////////////////////////////

func (r *Ring) blockData(n int) []byte {
	return r.ring[n*r.blockSize : (n+1)*r.blockSize]
}

func (r *Ring) handleEvent() error {

	// Read event data / type from the eventFD
	efdData, err := r.eventHandler.Efd.ReadEvent()
	if err != nil {
		return &capture.ResourceError{Op: "failed to read event", Err: err}
	}

	switch efdData {
	case event.SignalUnblock:
		return capture.ErrCaptureUnblocked
	case event.SignalStop:
		return capture.ErrCaptureStopped
	default:
		return &capture.ResourceError{Op: "unexpected event during poll for next block", Err: errUnknownEvent}
	}
}

func setupRingBuffer(sd socket.FileDescriptor, tPacketReq tPacketRequest) ([]byte, event.EvtFileDescriptor, error) {

	if sd <= 0 {
		return nil, -1, &capture.ResourceError{Op: "failed to setup ring buffer", Err: errInvalidSocket}
	}

	// Setup event file descriptor used for stopping / unblocking the capture (we start with that
	// to avoid having to clean up the ring buffer in case the descriptor can't be created)
	eventFD, err := event.New()
	if err != nil {
		return nil, -1, &capture.ResourceError{Op: "failed to setup event file descriptor", Err: err}
	}

	// Set socket option to use PACKET_RX_RING
	// #nosec: G103
	if err := sd.SetupRingBuffer(unsafe.Pointer(&tPacketReq), unsafe.Sizeof(tPacketReq)); err != nil {
		_ = eventFD.Close()
		return nil, -1, err
	}

	// Setup memory mapping
	buf, err := unix.Mmap(int(sd), 0, tPacketReq.blockSizeNr(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = eventFD.Close()
		return nil, -1, &capture.ResourceError{Op: "failed to mmap ring buffer", Err: err}
	}

	return buf, eventFD, nil
}
