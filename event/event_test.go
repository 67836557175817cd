//go:build linux
// +build linux

package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSignalRoundTrip(t *testing.T) {

	for _, signal := range []EvtData{
		SignalUnblock,
		SignalStop,
	} {
		efd, err := New()
		require.Nil(t, err)

		require.Nil(t, efd.Signal(signal))

		data, err := efd.ReadEvent()
		require.Nil(t, err)
		require.Equal(t, signal, data)

		require.Nil(t, efd.Close())
	}
}

func TestReadEmptyEvent(t *testing.T) {

	efd, err := New()
	require.Nil(t, err)
	defer func() {
		require.Nil(t, efd.Close())
	}()

	// The descriptor is non-blocking, so a read without a prior signal fails
	// instead of hanging
	_, err = efd.ReadEvent()
	require.ErrorIs(t, err, unix.EAGAIN)
}

func TestMockHandlerPoll(t *testing.T) {

	handler, mockFd, err := NewMockHandler()
	require.Nil(t, err)

	// Announce available data, then poll: the data event is consumed
	// transparently (no event on the event file descriptor)
	require.Nil(t, ToMockHandler(handler).SignalAvailableData())

	hasEvent, errno := handler.Poll(unix.POLLIN, nil)
	require.Equal(t, unix.Errno(0), errno)
	require.False(t, hasEvent)

	// The semaphore was released, so a bounded second poll comes back empty
	timeout := unix.NsecToTimespec((10 * time.Millisecond).Nanoseconds())
	hasEvent, errno = handler.Poll(unix.POLLIN, &timeout)
	require.Equal(t, unix.Errno(0), errno)
	require.False(t, hasEvent)

	// An event on the event file descriptor takes precedence over data
	require.Nil(t, handler.Efd.Signal(SignalUnblock))
	hasEvent, errno = handler.Poll(unix.POLLIN, nil)
	require.Equal(t, unix.Errno(0), errno)
	require.True(t, hasEvent)

	data, err := handler.Efd.ReadEvent()
	require.Nil(t, err)
	require.Equal(t, SignalUnblock, data)

	require.Nil(t, handler.Efd.Close())
	require.Nil(t, mockFd.Close())
}

func TestMockHandlerStats(t *testing.T) {

	handler, mockFd, err := NewMockHandler()
	require.Nil(t, err)

	mockFd.IncrementPacketCount(7)
	mockFd.IncrementDroppedCount(1)

	ss, err := handler.GetSocketStats()
	require.Nil(t, err)
	require.Equal(t, uint32(7), ss.Packets)
	require.Equal(t, uint32(1), ss.Drops)

	require.Nil(t, handler.Efd.Close())
	require.Nil(t, mockFd.Close())
}
