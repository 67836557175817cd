//go:build linux
// +build linux

package afring

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/DominoTree/go-af-packet/capture/afpacket/socket"
	"github.com/DominoTree/go-af-packet/event"
	"github.com/DominoTree/go-af-packet/link"
	"golang.org/x/sys/unix"
)

const (
	// Payload position used for mock frames (leaves room for the per-packet
	// header and the trailing sockaddr_ll, aligned to the TPacket alignment)
	mockPktMac = 64

	blockStatusPollInterval = 10 * time.Millisecond
)

// MockRing denotes a fully mocked ring buffer source, behaving just like one
// (down to the in-memory TPACKET_V3 block / frame layout and the block
// ownership handshake). Since it wraps a regular Ring it can be used as a
// stand-in replacement without any further code modifications:
//
//	ring, err := afring.NewRing("eth0", <options>...)
//	==>
//	ring, err := afring.NewMockRing("eth0", <options>...)
type MockRing struct {
	*Ring

	curBlockPos int
	lastPktPos  int

	mockBlocks     chan int
	mockBlockCount int

	mockFd   *socket.MockFileDescriptor
	isClosed bool
}

// NewMockRing instantiates a new mock ring buffer source, wrapping a regular Ring
func NewMockRing(iface string, options ...Option) (*MockRing, error) {

	mockHandler, mockFd, err := event.NewMockHandler()
	if err != nil {
		return nil, err
	}

	r := &Ring{
		eventHandler: mockHandler,

		snapLen:   DefaultSnapLen,
		blockSize: tPacketDefaultBlockSize,
		nBlocks:   tPacketDefaultBlockNr,
		retireTov: tPacketDefaultBlockTOV * time.Millisecond,
		link: &link.Link{
			Type: link.TypeEthernet,
			Interface: &net.Interface{
				Index:        1,
				MTU:          1500,
				Name:         iface,
				HardwareAddr: []byte{},
				Flags:        net.FlagUp,
			},
		},
	}

	for _, opt := range options {
		opt(r)
	}

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
	r.ring = make([]byte, r.tpReq.blockSizeNr())

	return &MockRing{
		Ring:       r,
		lastPktPos: -1,
		mockBlocks: make(chan int, r.nBlocks),
		mockFd:     mockFd,
	}, nil
}

// AddPacket adds a new mock packet (snap length == len(payload), original wire
// length and capture timestamp as provided) to the current block of the ring.
// This can happen prior to calling Run() or continuously while consuming data,
// mimicking the function of an actual ring buffer. Consequently, if the ring
// buffer is full and elements not yet consumed this function may block
func (m *MockRing) AddPacket(payload []byte, totalLen uint32, ts time.Time, pktType byte) error {

	frameLen := tPacketAlign(mockPktMac + len(payload))
	thisBlock := m.mockBlockCount % m.nBlocks

	// If the current block cannot accommodate the frame (or there is no block
	// yet), finalize it and start populating the next one
	if m.curBlockPos == 0 || m.curBlockPos+frameLen > m.blockSize {
		if m.curBlockPos > 0 {
			m.FinalizeBlock(false)
		}
		thisBlock = m.mockBlockCount % m.nBlocks
		m.openBlock(thisBlock)
	}

	block := m.blockData(thisBlock)
	pos := m.curBlockPos

	binary.NativeEndian.PutUint32(block[pos:pos+4], 0)                          // tp_next_offset (patched on next AddPacket)
	binary.NativeEndian.PutUint32(block[pos+4:pos+8], uint32(ts.Unix()))        // tp_sec
	binary.NativeEndian.PutUint32(block[pos+8:pos+12], uint32(ts.Nanosecond())) // tp_nsec
	binary.NativeEndian.PutUint32(block[pos+12:pos+16], uint32(len(payload)))   // tp_snaplen
	binary.NativeEndian.PutUint32(block[pos+16:pos+20], totalLen)               // tp_len
	binary.NativeEndian.PutUint16(block[pos+24:pos+26], mockPktMac)             // tp_mac
	block[pos+pktTypePos] = pktType                                             // sll_pkttype
	copy(block[pos+mockPktMac:pos+mockPktMac+len(payload)], payload)

	// Chain the previous frame of the block to this one
	if m.lastPktPos >= 0 {
		binary.NativeEndian.PutUint32(block[m.lastPktPos:m.lastPktPos+4], uint32(pos-m.lastPktPos))
	}
	m.lastPktPos = pos
	m.curBlockPos = pos + frameLen

	// Update the block descriptor (frame count and timestamps)
	nPkts := binary.NativeEndian.Uint32(block[12:16]) + 1
	binary.NativeEndian.PutUint32(block[12:16], nPkts)
	if nPkts == 1 {
		binary.NativeEndian.PutUint32(block[32:36], uint32(ts.Unix()))
		binary.NativeEndian.PutUint32(block[36:40], uint32(ts.Nanosecond()))
	}
	binary.NativeEndian.PutUint32(block[40:44], uint32(ts.Unix()))
	binary.NativeEndian.PutUint32(block[44:48], uint32(ts.Nanosecond()))

	// Similar to the actual kernel ring buffer, packets count as "seen" when
	// they enter the pipeline, not when they are consumed from the buffer
	m.mockFd.IncrementPacketCount(1)
	return nil
}

// AddDropped simulates n kernel-side packet drops (no free block to receive
// into), feeding the statistics counters only
func (m *MockRing) AddDropped(n int) {
	m.mockFd.IncrementDroppedCount(n)
}

// FinalizeBlock flushes the current block buffer and puts it onto the channel
// for consumption. With force set an empty block is emitted even if no packets
// were added (mimicking kernel block retirement on timeout)
func (m *MockRing) FinalizeBlock(force bool) {
	if m.curBlockPos == 0 && force {
		m.openBlock(m.mockBlockCount % m.nBlocks)
	}
	if m.curBlockPos > 0 {
		block := m.blockData(m.mockBlockCount % m.nBlocks)
		binary.NativeEndian.PutUint32(block[20:24], uint32(m.curBlockPos)) // blk_len

		m.mockBlocks <- m.mockBlockCount
		m.curBlockPos = 0
		m.lastPktPos = -1
		m.mockBlockCount++
	}
}

// CanAddPackets returns if any more packets can be added to the mock source
// without blocking (allowing to non-blockingly assert if the buffer / channel
// is full or will be on the next operation)
func (m *MockRing) CanAddPackets() bool {
	return len(m.mockBlocks) != m.nBlocks &&
		(len(m.mockBlocks) != m.nBlocks-1 || m.curBlockPos+tPacketAlign(mockPktMac+m.snapLen) <= m.blockSize)
}

// Run executes handover of finalized blocks in the background, mimicking the
// function of an actual kernel packet ring buffer
func (m *MockRing) Run() chan error {
	errChan := make(chan error)
	go m.run(errChan)

	return errChan
}

// Done notifies the mock source that no more mock packets will be added, causing
// the block handover routine / channel to terminate once all blocks have been
// handed to the consumer
func (m *MockRing) Done() {
	close(m.mockBlocks)
}

// Close stops / closes the mock capture source
func (m *MockRing) Close() error {
	m.isClosed = true
	return m.Ring.Close()
}

// Free releases the memory of the mock ring buffer
func (m *MockRing) Free() error {
	m.ring = nil
	return nil
}

//////////////////////////////////////////////////////////////////////////////////////////////////////

// openBlock claims the block for the mock producer: it waits for the consumer
// to have released it (status back to kernel-owned), then writes a fresh block
// descriptor
func (m *MockRing) openBlock(n int) {

	// Ensure the block has been consumed / released. Since there is no feedback
	// from the receiver we can only poll until the block status is TP_STATUS_KERNEL
	for getBlockStatus(m.blockData(n)) != unix.TP_STATUS_KERNEL {
		time.Sleep(blockStatusPollInterval)
	}

	block := m.blockData(n)
	setBlockStatus(block, unix.TP_STATUS_CSUMNOTREADY)

	binary.NativeEndian.PutUint32(block[0:4], 1)                          // version
	binary.NativeEndian.PutUint32(block[4:8], 0)                          // offset_to_priv
	binary.NativeEndian.PutUint32(block[12:16], 0)                        // num_pkts
	binary.NativeEndian.PutUint32(block[16:20], blockDescLen)             // offset_to_first_pkt
	binary.NativeEndian.PutUint32(block[20:24], blockDescLen)             // blk_len
	binary.NativeEndian.PutUint64(block[24:32], uint64(m.mockBlockCount)) // seq_num

	m.curBlockPos = blockDescLen
	m.lastPktPos = -1
}

func (m *MockRing) run(errChan chan error) {
	defer close(errChan)

	for block := range m.mockBlocks {

		// If the ring buffer is empty it was apparently closed / free'd
		if m.isClosed || len(m.ring) == 0 {
			break
		}

		// Mark the next block in the ring buffer, making it available to the
		// reader / userspace
		setBlockStatus(m.blockData(block%m.nBlocks), unix.TP_STATUS_USER)

		// Queue / trigger an event equivalent to receiving a new block via the PPOLL syscall
		if err := event.ToMockHandler(m.eventHandler).SignalAvailableData(); err != nil {
			errChan <- err
			return
		}
	}

	errChan <- nil
}
