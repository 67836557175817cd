//go:build linux
// +build linux

package socket

import (
	"errors"
	"unsafe"

	"github.com/DominoTree/go-af-packet/capture"
	"golang.org/x/sys/unix"
)

// MockFileDescriptor denotes a mock file descriptor mimicking the behavior of an
// AF_PACKET socket by means of using a simple event file descriptor instead
type MockFileDescriptor struct {
	FileDescriptor

	// packet / drop counters to provide GetSocketStats() functionality
	nPacketsProcessed int
	nPacketsDropped   int

	noRelease bool
}

// NewMock instantiates a new mock file descriptor
func NewMock() (MockFileDescriptor, error) {
	sd, err := unix.Eventfd(0, unix.EFD_SEMAPHORE)
	if err != nil {
		return MockFileDescriptor{
			FileDescriptor: -1,
		}, err
	}

	return MockFileDescriptor{
		FileDescriptor: FileDescriptor(sd),
	}, nil
}

// IncrementPacketCount allows for simulation of packet / traffic statistics by means
// of manual counting (to be used during population of a mock data source)
func (m *MockFileDescriptor) IncrementPacketCount(delta int) {
	m.nPacketsProcessed += delta
}

// IncrementDroppedCount simulates kernel-side packet drops (no free block to
// receive into) for statistics purposes
func (m *MockFileDescriptor) IncrementDroppedCount(delta int) {
	m.nPacketsDropped += delta
}

// GetSocketStats returns socket / traffic statistics. Just like the kernel, the
// mock clears its counters on each query
func (m *MockFileDescriptor) GetSocketStats() (ss TPacketStats, err error) {

	if m.FileDescriptor <= 0 {
		err = &capture.ResourceError{Op: "failed to retrieve socket stats", Err: errors.New("invalid socket")}
		return
	}

	ss = TPacketStats{
		Packets: uint32(m.nPacketsProcessed),
		Drops:   uint32(m.nPacketsDropped),
	}
	m.nPacketsProcessed = 0
	m.nPacketsDropped = 0

	return
}

// SetNoRelease disables reading from the eventFD after data has been consumed (thereby
// not releasing the block which has to be handled elsewhere instead)
func (m *MockFileDescriptor) SetNoRelease(enable bool) *MockFileDescriptor {
	m.noRelease = enable
	return m
}

// ReleaseSemaphore consumes from the event fd, releasing the semaphore and indicating
// that the next event can be sent
func (m *MockFileDescriptor) ReleaseSemaphore() (errno unix.Errno) {

	// Skip if noRelease mode is set
	if m.noRelease {
		return 0
	}

	var (
		rVal [8]byte
		n    int
	)
	n, errno = read(int(m.FileDescriptor), rVal[:])
	if errno != 0 {
		return
	}
	if n != len(rVal) {
		panic("failed to release mock semaphore (unexpected number of bytes read)")
	}
	return
}

/////////////////////////////////////////////////////////////////////////////////////////

func read(fd int, p []byte) (int, unix.Errno) {
	r0, _, e1 := unix.Syscall(unix.SYS_READ, uintptr(fd), uintptr(unsafe.Pointer(&p[0])), uintptr(len(p)))
	return int(r0), e1
}
