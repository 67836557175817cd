//go:build linux
// +build linux

package afring

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/DominoTree/go-af-packet/capture"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestOptions(t *testing.T) {

	t.Run("BufferSize", func(t *testing.T) {
		for _, blockSize := range []int{
			4096, 4096 * 100, tPacketDefaultBlockSize, 2 * tPacketDefaultBlockSize,
		} {
			for _, nBlocks := range []int{
				1, 2, 4, 64,
			} {
				mockRing, err := NewMockRing("mock",
					BufferSize(blockSize, nBlocks),
					FrameSize(2048),
				)
				require.Nilf(t, err, "blockSize %d, nBlocks %d", blockSize, nBlocks)

				require.Equal(t, uint32(pageSizeAlign(blockSize)), mockRing.tpReq.blockSize)
				require.Equal(t, uint32(nBlocks), mockRing.tpReq.blockNr)
				require.Equal(t, mockRing.tpReq.blockSizeNr(), len(mockRing.ring))
			}
		}
	})

	t.Run("FrameSize", func(t *testing.T) {
		mockRing, err := NewMockRing("mock",
			BufferSize(4096, 64),
			FrameSize(2048),
		)
		require.Nil(t, err)
		require.Equal(t, uint32(2048), mockRing.tpReq.frameSize)
		require.Equal(t, uint32(128), mockRing.tpReq.frameNr)
	})

	t.Run("InvalidFrameSize", func(t *testing.T) {
		_, err := NewMockRing("mock",
			BufferSize(4096, 64),
			FrameSize(1536),
		)
		var cfgErr *capture.ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
	})

	t.Run("InvalidBlockCount", func(t *testing.T) {
		_, err := NewMockRing("mock",
			BufferSize(4096, 0),
		)
		var cfgErr *capture.ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
	})

	t.Run("RetireTimeout", func(t *testing.T) {
		mockRing, err := NewMockRing("mock",
			RetireTimeout(250*time.Millisecond),
		)
		require.Nil(t, err)
		require.Equal(t, uint32(250), mockRing.tpReq.retireBlkTov)
	})

	t.Run("FillRXHash", func(t *testing.T) {
		mockRing, err := NewMockRing("mock")
		require.Nil(t, err)
		require.Zero(t, mockRing.tpReq.featureReqWord)

		mockRing, err = NewMockRing("mock",
			FillRXHash(true),
		)
		require.Nil(t, err)
		require.Equal(t, uint32(tPacketFeatReqFillRXHash), mockRing.tpReq.featureReqWord)
	})
}

// Covers the reference scenario: a 4096 x 64 ring with 2048 byte frames
// receiving two frames of wire length 100 and 1500 in one block
func TestBlockScenario(t *testing.T) {

	mockRing, err := NewMockRing("mock",
		BufferSize(4096, 64),
		FrameSize(2048),
	)
	require.Nil(t, err)

	var (
		payloadSmall = mockPayload(100, 0xab)
		payloadLarge = mockPayload(1500, 0xcd)
		ts           = time.Unix(1700000000, 1000)
	)
	require.Nil(t, mockRing.AddPacket(payloadSmall, 100, ts, unix.PACKET_HOST))
	require.Nil(t, mockRing.AddPacket(payloadLarge, 1500, ts.Add(time.Microsecond), unix.PACKET_BROADCAST))
	mockRing.FinalizeBlock(false)
	mockRing.Done()

	errChan := mockRing.Run()

	block, err := mockRing.GetBlock()
	require.Nil(t, err)
	require.Equal(t, 2, block.NumPackets())

	pkts := block.RawPackets()

	pkt, ok := pkts.Next()
	require.True(t, ok)
	require.Equal(t, 100, pkt.SnapLen())
	require.Equal(t, 100, pkt.TotalLen())
	require.Equal(t, byte(unix.PACKET_HOST), pkt.Type())
	require.Equal(t, payloadSmall, pkt.Payload())
	require.Equal(t, ts.Unix(), pkt.Timestamp().Unix())

	pkt2, ok := pkts.Next()
	require.True(t, ok)
	require.Equal(t, 1500, pkt2.SnapLen())
	require.Equal(t, 1500, pkt2.TotalLen())
	require.Equal(t, byte(unix.PACKET_BROADCAST), pkt2.Type())
	require.Equal(t, payloadLarge, pkt2.Payload())

	// The sequence is finite and ends after the declared frame count
	_, ok = pkts.Next()
	require.False(t, ok)
	require.Nil(t, pkts.Err())

	// Releasing the block hands it back to the kernel and invalidates all views
	block.MarkConsumed()
	require.Equal(t, uint32(unix.TP_STATUS_KERNEL), getBlockStatus(block.data))
	require.Nil(t, pkt.Payload())
	require.Nil(t, pkt2.Payload())

	// A second MarkConsumed is a no-op
	block.MarkConsumed()
	require.Equal(t, uint32(unix.TP_STATUS_KERNEL), getBlockStatus(block.data))

	require.Nil(t, <-errChan)
	require.Nil(t, mockRing.Close())
	require.Nil(t, mockRing.Free())
}

func TestBlockFrameCountRoundTrip(t *testing.T) {

	mockRing, err := NewMockRing("mock",
		BufferSize(65536, 8),
		FrameSize(2048),
	)
	require.Nil(t, err)

	const nPkts = 37
	for i := 0; i < nPkts; i++ {
		require.Nil(t, mockRing.AddPacket(mockPayload(128, byte(i)), 128, time.Now(), unix.PACKET_HOST))
	}
	mockRing.FinalizeBlock(false)
	mockRing.Done()
	errChan := mockRing.Run()

	block, err := mockRing.GetBlock()
	require.Nil(t, err)
	require.Equal(t, nPkts, block.NumPackets())

	// The number of elements produced by the cursor equals the declared count
	var n int
	pkts := block.RawPackets()
	for _, ok := pkts.Next(); ok; _, ok = pkts.Next() {
		n++
	}
	require.Nil(t, pkts.Err())
	require.Equal(t, nPkts, n)

	block.MarkConsumed()
	require.Nil(t, <-errChan)
	require.Nil(t, mockRing.Close())
	require.Nil(t, mockRing.Free())
}

func TestBlockOrdering(t *testing.T) {

	mockRing, err := NewMockRing("mock",
		BufferSize(4096, 8),
		FrameSize(1024),
	)
	require.Nil(t, err)

	// Populate four blocks with monotonically increasing timestamps
	const (
		nBlocks      = 4
		pktsPerBlock = 3
	)
	ts := time.Unix(1700000000, 0)
	for b := 0; b < nBlocks; b++ {
		for p := 0; p < pktsPerBlock; p++ {
			require.Nil(t, mockRing.AddPacket(mockPayload(64, byte(p)), 64, ts, unix.PACKET_HOST))
			ts = ts.Add(time.Millisecond)
		}
		mockRing.FinalizeBlock(false)
	}
	mockRing.Done()
	errChan := mockRing.Run()

	// Blocks are consumed in production order, frames within a block in
	// arrival order, so the observed timestamps never decrease
	var (
		lastTS time.Time
		seen   int
	)
	for b := 0; b < nBlocks; b++ {
		block, err := mockRing.GetBlock()
		require.Nil(t, err)
		require.Equal(t, uint64(b), block.SeqNum())

		pkts := block.RawPackets()
		for pkt, ok := pkts.Next(); ok; pkt, ok = pkts.Next() {
			require.False(t, pkt.Timestamp().Before(lastTS))
			lastTS = pkt.Timestamp()
			seen++
		}
		require.Nil(t, pkts.Err())
		block.MarkConsumed()
	}
	require.Equal(t, nBlocks*pktsPerBlock, seen)

	require.Nil(t, <-errChan)
	require.Nil(t, mockRing.Close())
	require.Nil(t, mockRing.Free())
}

func TestMalformedFrameAbortsIteration(t *testing.T) {

	mockRing, err := NewMockRing("mock",
		BufferSize(4096, 4),
		FrameSize(1024),
	)
	require.Nil(t, err)

	require.Nil(t, mockRing.AddPacket(mockPayload(64, 0x01), 64, time.Now(), unix.PACKET_HOST))
	require.Nil(t, mockRing.AddPacket(mockPayload(64, 0x02), 64, time.Now(), unix.PACKET_HOST))
	mockRing.FinalizeBlock(false)
	mockRing.Done()
	errChan := mockRing.Run()

	block, err := mockRing.GetBlock()
	require.Nil(t, err)

	// Corrupt the first frame header: a capture length far beyond the block
	// boundary must abort iteration rather than read out of bounds
	pos := block.desc.offsetToFirstPkt
	binary.NativeEndian.PutUint32(block.data[pos+12:pos+16], 8192) // tp_snaplen
	binary.NativeEndian.PutUint32(block.data[pos+16:pos+20], 8192) // tp_len

	pkts := block.RawPackets()
	_, ok := pkts.Next()
	require.False(t, ok)

	var protoErr *capture.ProtocolError
	require.ErrorAs(t, pkts.Err(), &protoErr)

	// The remaining frames of the block are dropped
	_, ok = pkts.Next()
	require.False(t, ok)

	block.MarkConsumed()
	require.Nil(t, <-errChan)
	require.Nil(t, mockRing.Close())
	require.Nil(t, mockRing.Free())
}

func TestFrameChainBeyondBlock(t *testing.T) {

	mockRing, err := NewMockRing("mock",
		BufferSize(4096, 4),
		FrameSize(1024),
	)
	require.Nil(t, err)

	require.Nil(t, mockRing.AddPacket(mockPayload(64, 0x01), 64, time.Now(), unix.PACKET_HOST))
	require.Nil(t, mockRing.AddPacket(mockPayload(64, 0x02), 64, time.Now(), unix.PACKET_HOST))
	mockRing.FinalizeBlock(false)
	mockRing.Done()
	errChan := mockRing.Run()

	block, err := mockRing.GetBlock()
	require.Nil(t, err)

	// Corrupt the first frame's next-offset: the corrupted value is aligned
	// and wraps around in 32 bit onto an earlier offset that would still
	// parse, so only an overflow-safe advance catches it
	pos := block.desc.offsetToFirstPkt
	binary.NativeEndian.PutUint32(block.data[pos:pos+4], 0xFFFFFFF0)

	pkts := block.RawPackets()
	pkt, ok := pkts.Next()
	require.True(t, ok)
	require.Equal(t, 64, pkt.SnapLen())

	// Iteration stops at the corrupted chain link instead of following it
	_, ok = pkts.Next()
	require.False(t, ok)

	var protoErr *capture.ProtocolError
	require.ErrorAs(t, pkts.Err(), &protoErr)

	block.MarkConsumed()
	require.Nil(t, <-errChan)
	require.Nil(t, mockRing.Close())
	require.Nil(t, mockRing.Free())
}

func TestStatistics(t *testing.T) {

	mockRing, err := NewMockRing("mock")
	require.Nil(t, err)

	for i := 0; i < 3; i++ {
		require.Nil(t, mockRing.AddPacket(mockPayload(64, byte(i)), 64, time.Now(), unix.PACKET_HOST))
	}
	mockRing.AddDropped(2)

	// The first query returns the counters since creation...
	stats, err := mockRing.Stats()
	require.Nil(t, err)
	require.Equal(t, capture.Stats{PacketsReceived: 3, PacketsDropped: 2}, stats)

	// ...and clears them, so a subsequent query without new traffic is empty
	stats, err = mockRing.Stats()
	require.Nil(t, err)
	require.Equal(t, capture.Stats{}, stats)

	require.Nil(t, mockRing.Close())
	require.Nil(t, mockRing.Free())
}

func TestRxStatisticsAccessor(t *testing.T) {

	mockRing, err := NewMockRing("mock")
	require.Nil(t, err)

	for i := 0; i < 3; i++ {
		require.Nil(t, mockRing.AddPacket(mockPayload(64, byte(i)), 64, time.Now(), unix.PACKET_HOST))
	}
	mockRing.AddDropped(2)

	// The standalone accessor reports (dropped, received) and clears the
	// counters, just like the socket-level query
	dropped, received, err := GetRxStatistics(mockRing.mockFd)
	require.Nil(t, err)
	require.Equal(t, 2, dropped)
	require.Equal(t, 3, received)

	dropped, received, err = GetRxStatistics(mockRing.mockFd)
	require.Nil(t, err)
	require.Zero(t, dropped)
	require.Zero(t, received)

	require.Nil(t, mockRing.Close())
	require.Nil(t, mockRing.Free())
}

func TestPollTimeout(t *testing.T) {

	mockRing, err := NewMockRing("mock",
		PollTimeout(20*time.Millisecond),
	)
	require.Nil(t, err)

	// No producer: the bounded wait must surface a would-block indication
	// instead of blocking forever
	block, err := mockRing.GetBlock()
	require.Nil(t, block)
	require.ErrorIs(t, err, capture.ErrWouldBlock)

	require.Nil(t, mockRing.Close())
	require.Nil(t, mockRing.Free())
}

func TestUnblock(t *testing.T) {

	mockRing, err := NewMockRing("mock")
	require.Nil(t, err)

	errChan := make(chan error, 1)
	go func() {
		_, err := mockRing.GetBlock()
		errChan <- err
	}()

	// Give the consumer a moment to enter the blocking wait
	time.Sleep(50 * time.Millisecond)
	require.Nil(t, mockRing.Unblock())
	require.ErrorIs(t, <-errChan, capture.ErrCaptureUnblocked)

	require.Nil(t, mockRing.Close())
	require.Nil(t, mockRing.Free())
}

func TestClosedRing(t *testing.T) {

	mockRing, err := NewMockRing("mock",
		BufferSize(4096, 4),
		FrameSize(1024),
	)
	require.Nil(t, err)

	// Free before Close is rejected for a regular ring
	require.ErrorIs(t, mockRing.Ring.Free(), errStillOpen)

	require.Nil(t, mockRing.Close())

	block, err := mockRing.GetBlock()
	require.Nil(t, block)
	require.ErrorIs(t, err, capture.ErrCaptureStopped)

	// Repeated attempts keep returning the same indication
	block, err = mockRing.GetBlock()
	require.Nil(t, block)
	require.ErrorIs(t, err, capture.ErrCaptureStopped)

	require.Nil(t, mockRing.Free())
}

func TestConcurrentStats(t *testing.T) {

	mockRing, err := NewMockRing("mock",
		BufferSize(4096, 8),
		FrameSize(1024),
	)
	require.Nil(t, err)

	const nPkts = 16
	for i := 0; i < nPkts; i++ {
		require.Nil(t, mockRing.AddPacket(mockPayload(64, byte(i)), 64, time.Now(), unix.PACKET_HOST))
	}
	mockRing.FinalizeBlock(false)
	mockRing.Done()
	errChan := mockRing.Run()

	// Statistics may be queried from any goroutine while another consumes
	statsDone := make(chan capture.Stats, 1)
	go func() {
		var total capture.Stats
		for i := 0; i < 10; i++ {
			stats, err := mockRing.Stats()
			if err == nil {
				total.Add(stats)
			}
			time.Sleep(time.Millisecond)
		}
		statsDone <- total
	}()

	block, err := mockRing.GetBlock()
	require.Nil(t, err)
	require.Equal(t, nPkts, block.NumPackets())
	block.MarkConsumed()

	total := <-statsDone
	require.Equal(t, nPkts, total.PacketsReceived)

	require.Nil(t, <-errChan)
	require.Nil(t, mockRing.Close())
	require.Nil(t, mockRing.Free())
}

//////////////////////////////////////////////////////////////////////////////////////////////////////

func mockPayload(n int, fill byte) []byte {
	payload := make([]byte, n)
	for i := range payload {
		payload[i] = fill
	}
	return payload
}
