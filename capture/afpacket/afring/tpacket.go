//go:build linux
// +build linux

package afring

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/DominoTree/go-af-packet/capture"
	"golang.org/x/sys/unix"
)

const (
	tPacketAlignment = uint(unix.TPACKET_ALIGNMENT)
	tPacketHeaderLen = 48 // sizeof(tpacket3_hdr)
	blockDescLen     = 48 // sizeof(tpacket_block_desc)

	// Position of the packet type (sll_pkttype) within the sockaddr_ll
	// trailing the per-packet header
	pktTypePos = 58

	// TP_FT_REQ_FILL_RXHASH (linux/if_packet.h), not exposed via x/sys/unix
	tPacketFeatReqFillRXHash = 0x1
)

const (
	tPacketDefaultBlockNr   = 4
	tPacketDefaultBlockSize = (1 << 20) // 1 MiB
	tPacketDefaultBlockTOV  = 100       // ms
)

var (
	pageSizeAlignment = uint(unix.Getpagesize())
)

// tPacketRequest denotes the V3 tpacket_req structure, c.f.
// https://www.kernel.org/doc/Documentation/networking/packet_mmap.txt
type tPacketRequest struct {
	blockSize uint32
	blockNr   uint32
	frameSize uint32
	frameNr   uint32

	retireBlkTov   uint32
	sizeofPriv     uint32 //nolint:structcheck // (needed for correct sizeof(struct))
	featureReqWord uint32
}

func newTPacketRequestForBuffer(blockSize, nBlocks, snapLen int) (req tPacketRequest, err error) {

	// The frame size is the _minimum_ size of a frame (i.e. individual packet) in a block.
	// It is optimally set to the per-packet TPacket header length plus defined snaplen. However,
	// it must be a multiple of tPacketAlignment AND blockSize must be a multiple of the frameSize
	frameSize, err := blockSizeTPacketAlign(tPacketHeaderLen+snapLen, blockSize)
	if err != nil {
		return tPacketRequest{}, err
	}

	return newTPacketRequest(blockSize, nBlocks, frameSize)
}

func newTPacketRequest(blockSize, blockNr, frameSize int) (req tPacketRequest, err error) {

	// Ensure the geometry is in alignment with the TPacket requirements:
	// blockSize must be a multiple of the page size
	// blockNr must be strictly positive
	// frameSize must accommodate at least the per-packet TPacket header
	// frameSize must be a multiple of tPacketAlignment
	// frameSize must be a divisor of blockSize
	// frameNr must be exactly (blockSize*blockNr) / frameSize
	if blockNr <= 0 {
		return req, &capture.ConfigurationError{Field: "block count", Err: fmt.Errorf("%d not strictly positive", blockNr)}
	}
	if blockSize <= 0 || blockSize != pageSizeAlign(blockSize) {
		return req, &capture.ConfigurationError{Field: "block size", Err: fmt.Errorf("%d not aligned to page size", blockSize)}
	}
	if frameSize < tPacketHeaderLen {
		return req, &capture.ConfigurationError{Field: "frame size", Err: fmt.Errorf("%d smaller than TPacket header length (%d)", frameSize, tPacketHeaderLen)}
	}
	if uint(frameSize)%tPacketAlignment != 0 {
		return req, &capture.ConfigurationError{Field: "frame size", Err: fmt.Errorf("%d not aligned to TPacket alignment (%d)", frameSize, tPacketAlignment)}
	}
	if blockSize%frameSize != 0 {
		return req, &capture.ConfigurationError{Field: "frame size", Err: fmt.Errorf("%d not a divisor of block size (%d)", frameSize, blockSize)}
	}

	req = tPacketRequest{
		blockSize:    uint32(blockSize),
		blockNr:      uint32(blockNr),
		frameSize:    uint32(frameSize),
		frameNr:      (uint32(blockSize) / uint32(frameSize)) * uint32(blockNr),
		retireBlkTov: tPacketDefaultBlockTOV,
	}

	return
}

// blockSizeNr returns the total length of the memory region backing the ring
// (which by construction equals blockSize * blockNr)
func (t tPacketRequest) blockSizeNr() int {
	return int(t.blockSize) * int(t.blockNr)
}

// blockDesc denotes the parsed representation of the V3 tpacket_block_desc
// structure heading each ring buffer block, c.f.
// https://github.com/torvalds/linux/blob/master/include/uapi/linux/if_packet.h
type blockDesc struct {
	version          uint32
	offsetToPriv     uint32
	numPkts          uint32
	offsetToFirstPkt uint32
	blockLen         uint32
	seqNum           uint64

	tsFirstPktSec  uint32
	tsFirstPktNSec uint32
	tsLastPktSec   uint32
	tsLastPktNSec  uint32
}

// parseBlockDesc decodes (and validates) the block descriptor at the head of
// the provided block memory. The status word at offset 8 is deliberately not
// part of the result (it is only ever accessed atomically)
func parseBlockDesc(data []byte, blockNum int) (desc blockDesc, err error) {

	if len(data) < blockDescLen {
		return desc, &capture.ProtocolError{Block: blockNum, Offset: 0, Reason: "block too short for descriptor"}
	}

	desc = blockDesc{
		version:          binary.NativeEndian.Uint32(data[0:4]),
		offsetToPriv:     binary.NativeEndian.Uint32(data[4:8]),
		numPkts:          binary.NativeEndian.Uint32(data[12:16]),
		offsetToFirstPkt: binary.NativeEndian.Uint32(data[16:20]),
		blockLen:         binary.NativeEndian.Uint32(data[20:24]),
		seqNum:           binary.NativeEndian.Uint64(data[24:32]),
		tsFirstPktSec:    binary.NativeEndian.Uint32(data[32:36]),
		tsFirstPktNSec:   binary.NativeEndian.Uint32(data[36:40]),
		tsLastPktSec:     binary.NativeEndian.Uint32(data[40:44]),
		tsLastPktNSec:    binary.NativeEndian.Uint32(data[44:48]),
	}

	if desc.blockLen > uint32(len(data)) {
		return desc, &capture.ProtocolError{Block: blockNum, Offset: 20,
			Reason: fmt.Sprintf("declared block length %d exceeds block size %d", desc.blockLen, len(data))}
	}
	if desc.numPkts > 0 {
		if desc.offsetToFirstPkt < blockDescLen || desc.offsetToFirstPkt >= desc.blockLen {
			return desc, &capture.ProtocolError{Block: blockNum, Offset: 16,
				Reason: fmt.Sprintf("invalid offset to first packet (%d)", desc.offsetToFirstPkt)}
		}
	}

	return
}

// tPacketHeader denotes the parsed representation of the V3 tpacket3_hdr
// structure preceding each frame within a block
type tPacketHeader struct {
	nextOffset uint32
	sec        uint32
	nsec       uint32
	snaplen    uint32
	pktLen     uint32
	status     uint32
	macOffset  uint16
	netOffset  uint16
	rxHash     uint32
	vlanTCI    uint32
	vlanTPID   uint16
}

// parseTPacketHeader decodes (and bounds-checks) the per-packet header at the
// provided position within a block. A frame whose payload would extend past the
// block boundary is rejected (a misparsed offset would invalidate every
// subsequent frame in the same block)
func parseTPacketHeader(data []byte, pos uint32, blockNum int) (hdr tPacketHeader, err error) {

	if uint64(pos)+tPacketHeaderLen > uint64(len(data)) {
		return hdr, &capture.ProtocolError{Block: blockNum, Offset: pos, Reason: "frame header exceeds block boundary"}
	}
	if uint(pos)%tPacketAlignment != 0 {
		return hdr, &capture.ProtocolError{Block: blockNum, Offset: pos, Reason: "frame offset not aligned to TPacket alignment"}
	}

	hdr = tPacketHeader{
		nextOffset: binary.NativeEndian.Uint32(data[pos : pos+4]),
		sec:        binary.NativeEndian.Uint32(data[pos+4 : pos+8]),
		nsec:       binary.NativeEndian.Uint32(data[pos+8 : pos+12]),
		snaplen:    binary.NativeEndian.Uint32(data[pos+12 : pos+16]),
		pktLen:     binary.NativeEndian.Uint32(data[pos+16 : pos+20]),
		status:     binary.NativeEndian.Uint32(data[pos+20 : pos+24]),
		macOffset:  binary.NativeEndian.Uint16(data[pos+24 : pos+26]),
		netOffset:  binary.NativeEndian.Uint16(data[pos+26 : pos+28]),
		rxHash:     binary.NativeEndian.Uint32(data[pos+28 : pos+32]),
		vlanTCI:    binary.NativeEndian.Uint32(data[pos+32 : pos+36]),
		vlanTPID:   binary.NativeEndian.Uint16(data[pos+36 : pos+38]),
	}

	if hdr.snaplen > hdr.pktLen {
		return hdr, &capture.ProtocolError{Block: blockNum, Offset: pos,
			Reason: fmt.Sprintf("snap length %d exceeds wire length %d", hdr.snaplen, hdr.pktLen)}
	}
	if uint64(pos)+uint64(hdr.macOffset)+uint64(hdr.snaplen) > uint64(len(data)) {
		return hdr, &capture.ProtocolError{Block: blockNum, Offset: pos,
			Reason: fmt.Sprintf("frame payload (%d bytes) exceeds block boundary", hdr.snaplen)}
	}

	return
}

// getBlockStatus / setBlockStatus access the kernel / user ownership word at
// block offset 8. They constitute the only synchronization primitive between
// the kernel (producer) and the consuming thread and are therefore performed
// atomically (acquire on load, release on store)
func getBlockStatus(data []byte) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&data[8]))) // #nosec G103
}

func setBlockStatus(data []byte, status uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&data[8])), status) // #nosec G103
}

//////////////////////////////////////////////////////////////////////////////////////////////////

func pageSizeAlign(x int) int {
	return int((uint(x) + pageSizeAlignment - 1) &^ (pageSizeAlignment - 1))
}

func tPacketAlign(x int) int {
	return int((uint(x) + tPacketAlignment - 1) &^ (tPacketAlignment - 1))
}

func blockSizeTPacketAlign(x, blockSize int) (int, error) {

	// If the block size is not aligned there is no solution
	if uint(blockSize)%tPacketAlignment != 0 {
		return 0, &capture.ConfigurationError{Field: "block size",
			Err: fmt.Errorf("%d not aligned to TPacket alignment (%d)", blockSize, tPacketAlignment)}
	}

	// Ensure x is aligned to tPacketAlignment (if not, find the next value that is)
	i := uint(x)
	if i%tPacketAlignment != 0 {
		i += tPacketAlignment - (i % tPacketAlignment)
	}

	// Search for a solution by incrementing i by tPacketAlignment
	// until a value that satisfies the condition is found
	// or until the maximum value of uint32 is reached
	for i <= math.MaxUint32 {
		if uint(blockSize)%i == 0 {
			return int(i), nil
		}
		i += tPacketAlignment
	}

	return 0, &capture.ConfigurationError{Field: "frame size",
		Err: fmt.Errorf("no valid frame size found for capture length %d / block size %d", x, blockSize)}
}
