//go:build linux
// +build linux

package event

import (
	"unsafe"

	"github.com/DominoTree/go-af-packet/capture/afpacket/socket"
	"golang.org/x/sys/unix"
)

// Handler wraps a socket file descriptor and an event file descriptor in a single
// instance. In addition, a (unexported) mock file descriptor allows for mocking
// the entire handler without having to manipulate / distinguish from the caller side
type Handler struct {

	// Efd denotes the event file descriptor of this handler
	Efd EvtFileDescriptor

	// Fd denotes the socket file descriptor of this handler
	Fd socket.FileDescriptor

	mockFd *socket.MockFileDescriptor
}

// Poll polls for events on the socket file descriptor and the event file
// descriptor (waiting for a POLLIN event on either). A nil timeout blocks
// indefinitely; with a timeout set the poll returns once it expires, leaving
// all revents empty (the caller observes a would-block condition)
func (p *Handler) Poll(events int16, timeout *unix.Timespec) (hasEvent bool, errno unix.Errno) {
	pollEvents := [...]unix.PollFd{
		{
			Fd:     int32(p.Efd),
			Events: unix.POLLIN,
		},
		{
			Fd:     int32(p.Fd),
			Events: events,
		},
	}

	// Perform blocking PPOLL
	errno = pollBlock(&pollEvents[0], len(pollEvents), timeout)
	if errno == 0 && (pollEvents[1].Revents&unix.POLLHUP != 0 || pollEvents[1].Revents&unix.POLLERR != 0) {
		errno = unix.ECONNRESET
	}
	hasEvent = pollEvents[0].Revents&unix.POLLIN != 0

	// Fast path: If this is not a mock handler, simply return
	if p.mockFd == nil {
		return
	}

	// Mock handler logic: Release the semaphore, indicating data has
	// been consumed
	if !hasEvent && errno == 0 && pollEvents[1].Revents&unix.POLLIN != 0 {
		errno = p.mockFd.ReleaseSemaphore()
	}

	return
}

// GetSocketStats returns socket / traffic statistics (counters are cleared on read)
func (p *Handler) GetSocketStats() (socket.TPacketStats, error) {

	// Fast path: If this is not a mock handler, simply return a call to GetSocketStats()
	if p.mockFd == nil {
		return p.Fd.GetSocketStats()
	}

	// Mock handler logic: Return the counters accumulated via IncrementPacketCount() /
	// IncrementDroppedCount()
	return p.mockFd.GetSocketStats()
}

//////////////////////////////////////////////////////////////////////////////////////////////////////

func pollBlock(fds *unix.PollFd, nfds int, timeout *unix.Timespec) unix.Errno {

	// #nosec: G103
	_, _, e := unix.Syscall6(unix.SYS_PPOLL, uintptr(unsafe.Pointer(fds)),
		uintptr(nfds), uintptr(unsafe.Pointer(timeout)), 0, 0, 0)

	return e
}
