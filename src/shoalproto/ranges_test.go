package shoalproto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRangeSet(t *testing.T) {
	var s rangeSet
	for _, pn := range []uint64{5, 7, 6, 1, 2, 10} {
		require.True(t, s.add(pn))
	}
	require.False(t, s.add(6))
	require.Equal(t, []pnRange{{10, 10}, {5, 7}, {1, 2}}, s.ranges)
	require.True(t, s.contains(1))
	require.False(t, s.contains(3))
	require.False(t, s.contains(11))

	require.True(t, s.add(3))
	require.True(t, s.add(4))
	require.Equal(t, []pnRange{{10, 10}, {1, 7}}, s.ranges)
	largest, ok := s.largest()
	require.True(t, ok)
	require.Equal(t, uint64(10), largest)
}

func TestAckFrameRanges(t *testing.T) {
	ranges := []pnRange{{20, 25}, {10, 12}, {0, 3}}
	f := frame{typ: frameAck, ackDelay: 7, ranges: ranges}
	data := f.appendTo(nil)
	require.Equal(t, f.encodedLen(), len(data))

	frames, err := parseFrames(data)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Equal(t, ranges, frames[0].ranges)
	require.Equal(t, uint64(7), frames[0].ackDelay)
}

func TestParseFramesRejectsGarbage(t *testing.T) {
	_, err := parseFrames([]byte{0x3f})
	require.Error(t, err)

	f := frame{typ: frameStream, streamID: 4, data: []byte("hello")}
	data := f.appendTo(nil)
	_, err = parseFrames(data[:len(data)-1])
	require.Error(t, err)
}
