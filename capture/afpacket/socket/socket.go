//go:build linux
// +build linux

/*
Package socket implements the raw AF_PACKET socket underpinning the ring buffer
capture: file descriptor creation / binding, negotiation of the TPacket version,
ring geometry, fanout group and filter options, retrieval of packet capture
statistics for the underlying network interface and raw frame transmission.
*/
package socket

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/DominoTree/go-af-packet/capture"
	"github.com/DominoTree/go-af-packet/link"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

const (
	TPacketVersion = unix.TPACKET_V3 // TPacketVersion : The TPacket header version to use
)

// Fanout modes supported for kernel-side flow distribution across multiple
// sockets in the same fanout group
const (
	FanoutHash        = unix.PACKET_FANOUT_HASH // pins flows to individual sockets
	FanoutLoadBalance = unix.PACKET_FANOUT_LB   // distributes packets round-robin
)

// FileDescriptor denotes a generic system level file descriptor (an int)
type FileDescriptor int

// TPacketStats denotes the V3 tpacket_stats structure, c.f.
// https://github.com/torvalds/linux/blob/master/include/uapi/linux/if_packet.h
type TPacketStats struct {
	Packets      uint32
	Drops        uint32
	QueueFreezes uint32
}

// New instantiates a new file descriptor and binds it to the provided interface
func New(iface *link.Link) (FileDescriptor, error) {

	// Setup socket
	sd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, htons(unix.ETH_P_ALL))
	if err != nil {
		return -1, &capture.ResourceError{Op: "failed to create AF_PACKET socket", Err: err}
	}

	// Bind to selected interface
	if err := unix.Bind(sd, &unix.SockaddrLinklayer{
		Protocol: uint16(htons(unix.ETH_P_ALL)),
		Ifindex:  iface.Index,
	}); err != nil {
		_ = unix.Close(sd)
		return -1, &capture.ResourceError{Op: fmt.Sprintf("failed to bind socket to interface `%s`", iface.Name), Err: err}
	}

	return FileDescriptor(sd), nil
}

// GetSocketStats returns socket / traffic statistics. The kernel clears its
// internal counters on each query, so the result covers the interval since the
// previous call (or since socket creation for the first one)
func (sd FileDescriptor) GetSocketStats() (ss TPacketStats, err error) {

	if sd <= 0 {
		err = &capture.ResourceError{Op: "failed to retrieve socket stats", Err: errors.New("invalid socket")}
		return
	}

	// Retrieve TPacket stats for the socket
	sockLen := unsafe.Sizeof(ss) // #nosec: G103
	// #nosec: G103
	if err = getsockopt(sd, unix.SOL_PACKET, unix.PACKET_STATISTICS, unsafe.Pointer(&ss), uintptr(unsafe.Pointer(&sockLen))); err != nil {
		err = &capture.ResourceError{Op: "failed to retrieve socket stats", Err: err}
	}

	return
}

// SetSocketOptions sets several socket options on the underlying file descriptor required
// to perform AF_PACKET capture: the TPacket version, promiscuous mode membership and the
// baseline (+ optional extra) BPF filter instructions for the interface link type
func (sd FileDescriptor) SetSocketOptions(iface *link.Link, snapLen int, promisc bool, extraBPFInstr ...bpf.RawInstruction) error {

	if sd <= 0 {
		return &capture.ResourceError{Op: "failed to set socket options", Err: errors.New("invalid socket")}
	}

	// Set TPacket version on socket to the configured version
	if err := unix.SetsockoptInt(int(sd), unix.SOL_PACKET, unix.PACKET_VERSION, TPacketVersion); err != nil {
		return &capture.ResourceError{Op: "failed to set TPacket version", Err: err}
	}

	// If the source is in promiscuous mode, set the required flag
	if promisc {
		mReq := unix.PacketMreq{
			Ifindex: int32(iface.Index),
			Type:    unix.PACKET_MR_PROMISC,
		}
		// #nosec: G103
		reqLen := unsafe.Sizeof(mReq)
		// #nosec: G103
		if err := setsockopt(sd, unix.SOL_PACKET, unix.PACKET_ADD_MEMBERSHIP, unsafe.Pointer(&mReq), uintptr(unsafe.Pointer(&reqLen))); err != nil {
			return &capture.ResourceError{Op: "failed to set promiscuous mode", Err: err}
		}
	}

	// Set baseline BPF filter to select only packets with a valid IP layer (amended
	// by any extra instructions provided by the caller)
	if bpfFilterFn := iface.Type.BPFFilter(); bpfFilterFn != nil {
		var (
			p               unix.SockFprog
			bpfInstructions = append(bpfFilterFn(snapLen), extraBPFInstr...)
		)
		p.Len = uint16(len(bpfInstructions))
		if p.Len != 0 {
			// #nosec: G103
			p.Filter = (*unix.SockFilter)(unsafe.Pointer(&bpfInstructions[0]))
			// #nosec: G103
			if err := setsockopt(sd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, unsafe.Pointer(&p), unix.SizeofSockFprog); err != nil {
				return &capture.ResourceError{Op: "failed to set BPF filter", Err: err}
			}
		}
	}

	return nil
}

// SetFanout joins the fanout group identified by groupID, instructing the kernel
// to statically distribute traffic across all sockets of the group according to
// the provided mode (hash-based pinning of flows or round-robin load balancing)
func (sd FileDescriptor) SetFanout(mode, groupID int) error {

	if sd <= 0 {
		return &capture.ResourceError{Op: "failed to set fanout group", Err: errors.New("invalid socket")}
	}

	fanoutArg := (groupID & 0xFFFF) | (mode << 16)
	if err := unix.SetsockoptInt(int(sd), unix.SOL_PACKET, unix.PACKET_FANOUT, fanoutArg); err != nil {
		return &capture.ResourceError{Op: fmt.Sprintf("failed to join fanout group %d", groupID), Err: err}
	}

	return nil
}

// SetupRingBuffer performs a call via setsockopt() to prepare a mmap'ed ring buffer
func (sd FileDescriptor) SetupRingBuffer(val unsafe.Pointer, vallen uintptr) error {
	if err := setsockopt(sd, unix.SOL_PACKET, unix.PACKET_RX_RING, val, vallen); err != nil {
		return &capture.ResourceError{Op: "failed to request PACKET_RX_RING", Err: err}
	}

	return nil
}

// SendFrame transmits a raw, whole frame (including all encapsulations) on the
// interface the socket is bound to
func (sd FileDescriptor) SendFrame(ifIndex int, frame []byte) error {

	if sd <= 0 {
		return &capture.ResourceError{Op: "failed to send frame", Err: errors.New("invalid socket")}
	}

	if err := unix.Sendto(int(sd), frame, 0, &unix.SockaddrLinklayer{
		Ifindex: ifIndex,
		Halen:   6,
	}); err != nil {
		return &capture.ResourceError{Op: "failed to send frame", Err: err}
	}

	return nil
}

// Close closes the file descriptor
func (sd FileDescriptor) Close() error {
	return unix.Close(int(sd))
}

// IsOpen determines if the file descriptor is open / valid
func (sd FileDescriptor) IsOpen() bool {
	_, err := unix.FcntlInt(uintptr(sd), unix.F_GETFD, 0)
	return err == nil
}

/////////////////////////////////////////////////////////////////////////////////////////

func getsockopt(fd FileDescriptor, level, name int, val unsafe.Pointer, vallen uintptr) error {
	if _, _, errno := unix.Syscall6(unix.SYS_GETSOCKOPT, uintptr(fd), uintptr(level), uintptr(name), uintptr(val), vallen, 0); errno != 0 {
		return error(errno)
	}

	return nil
}

func setsockopt(fd FileDescriptor, level, name int, val unsafe.Pointer, vallen uintptr) error {
	if _, _, errno := unix.Syscall6(unix.SYS_SETSOCKOPT, uintptr(fd), uintptr(level), uintptr(name), uintptr(val), vallen, 0); errno != 0 {
		return error(errno)
	}

	return nil
}

func htons(v uint16) int {
	return int((v << 8) | (v >> 8))
}
