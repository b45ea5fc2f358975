package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatBytesFixedWidth(t *testing.T) {
	testCases := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{100 * 1024, " 0.1 MiB"},
	}

	for _, tc := range testCases {
		got := FormatBytes(tc.in)
		assert.Equal(t, tc.want, got)
		assert.Len(t, got, 8)
	}
}

func TestStatsCounters(t *testing.T) {
	s := &stats{}
	s.AddSent(100)
	s.AddSent(28)
	s.AddRecv(64)
	s.StartTransfer()
	s.FinishTransfer()

	assert.Equal(t, int64(2), s.ChunksSent.Load())
	assert.Equal(t, int64(128), s.BytesSent.Load())
	assert.Equal(t, int64(1), s.ChunksRecv.Load())
	assert.Equal(t, int64(64), s.BytesRecv.Load())
	assert.Equal(t, int64(1), s.TransfersStarted.Load())
	assert.Equal(t, int64(1), s.TransfersFinished.Load())
}

func TestNewRoomID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewRoomID()
		require.Len(t, id, RoomIDLength)
		require.False(t, seen[id], "duplicate room id %q", id)
		seen[id] = true
	}
}

func TestNormalizeRoomID(t *testing.T) {
	assert.Equal(t, "a1b2c3d4", NormalizeRoomID("  a1b2c3d4\n"))
	assert.Equal(t, "a1b2c3d4", NormalizeRoomID("https://pipeline.example/download/a1b2c3d4"))
	assert.Equal(t, "a1b2c3d4", NormalizeRoomID("https://pipeline.example/download/a1b2c3d4/"))
}
