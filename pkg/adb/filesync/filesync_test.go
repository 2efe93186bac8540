package filesync

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStream hands out queued WRTE payloads and records host writes.
type fakeStream struct {
	chunks [][]byte
	writes [][]byte
}

func (s *fakeStream) Write(data []byte) (int, error) {
	s.writes = append(s.writes, append([]byte(nil), data...))
	return len(data), nil
}

func (s *fakeStream) ReadChunk() ([]byte, error) {
	if len(s.chunks) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	chunk := s.chunks[0]
	s.chunks = s.chunks[1:]
	return chunk, nil
}

func packShort(id ID, arg uint32, data []byte) []byte {
	buf := make([]byte, 8, 8+len(data))
	binary.LittleEndian.PutUint32(buf[0:], uint32(id))
	binary.LittleEndian.PutUint32(buf[4:], arg)
	return append(buf, data...)
}

func packStatReply(mode, size, mtime uint32) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:], uint32(IDStat))
	binary.LittleEndian.PutUint32(buf[4:], mode)
	binary.LittleEndian.PutUint32(buf[8:], size)
	binary.LittleEndian.PutUint32(buf[12:], mtime)
	return buf
}

func packDent(mode, size, mtime uint32, name string) []byte {
	buf := make([]byte, 20, 20+len(name))
	binary.LittleEndian.PutUint32(buf[0:], uint32(IDDent))
	binary.LittleEndian.PutUint32(buf[4:], mode)
	binary.LittleEndian.PutUint32(buf[8:], size)
	binary.LittleEndian.PutUint32(buf[12:], mtime)
	binary.LittleEndian.PutUint32(buf[16:], uint32(len(name)))
	return append(buf, name...)
}

// splitEvery slices b into chunks of at most n bytes.
func splitEvery(b []byte, n int) [][]byte {
	var out [][]byte
	for len(b) > n {
		out = append(out, b[:n])
		b = b[n:]
	}
	if len(b) > 0 {
		out = append(out, b)
	}
	return out
}

func TestIDCodes(t *testing.T) {
	for want, id := range map[string]ID{
		"STAT": IDStat, "LIST": IDList, "SEND": IDSend, "RECV": IDRecv,
		"DENT": IDDent, "DONE": IDDone, "DATA": IDData, "OKAY": IDOkay,
		"FAIL": IDFail, "QUIT": IDQuit,
	} {
		assert.Equal(t, want, id.String())
	}
}

func TestStat(t *testing.T) {
	s := &fakeStream{chunks: [][]byte{packStatReply(0o100644, 3000, 1700000000)}}
	c := NewConn(s)

	info, err := c.Stat("/sdcard/foo")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o100644), info.Mode)
	assert.Equal(t, uint32(3000), info.Size)
	assert.Equal(t, time.Unix(1700000000, 0), info.ModTime)

	// The request flushed as one WRTE: STAT header + path bytes.
	require.Len(t, s.writes, 1)
	assert.Equal(t, packShort(IDStat, 11, []byte("/sdcard/foo")), s.writes[0])
}

func TestStatFail(t *testing.T) {
	s := &fakeStream{chunks: [][]byte{packShort(IDFail, 12, []byte("No such file"))}}
	c := NewConn(s)

	_, err := c.Stat("/nope")
	var statErr *StatFailedError
	require.ErrorAs(t, err, &statErr)
	assert.Equal(t, "No such file", statErr.Reason)
}

func TestListReframingIsSplitInvariant(t *testing.T) {
	// One contiguous packet stream...
	var stream []byte
	stream = append(stream, packDent(0o040755, 0, 100, "docs")...)
	stream = append(stream, packDent(0o100644, 1234, 200, "a.txt")...)
	stream = append(stream, packDent(0o100600, 9, 300, "b.bin")...)
	stream = append(stream, packShort(IDDone, 0, nil)...)

	// ...must decode identically no matter how WRTE boundaries fall.
	for _, n := range []int{1, 3, 7, 8, 19, 20, 64, len(stream)} {
		s := &fakeStream{chunks: splitEvery(stream, n)}
		files, err := NewConn(s).List("/sdcard")
		require.NoError(t, err, "chunk size %d", n)
		require.Len(t, files, 3, "chunk size %d", n)
		assert.Equal(t, "docs", files[0].Name)
		assert.True(t, files[0].IsDir())
		assert.Equal(t, "a.txt", files[1].Name)
		assert.Equal(t, uint32(1234), files[1].Size)
		assert.False(t, files[1].IsDir())
		assert.Equal(t, "b.bin", files[2].Name)
		assert.Equal(t, time.Unix(300, 0), files[2].ModTime)
	}
}

func TestPull(t *testing.T) {
	s := &fakeStream{chunks: [][]byte{
		packShort(IDData, 5, []byte("hello")),
		packShort(IDData, 6, []byte(" world")),
		packShort(IDDone, 0, nil),
	}}
	var dst bytes.Buffer
	err := NewConn(s).Pull("/sdcard/greeting", &dst, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello world", dst.String())
}

func TestPullWithProgressStatsFirst(t *testing.T) {
	s := &fakeStream{chunks: [][]byte{
		packStatReply(0o100644, 11, 42),
		packShort(IDData, 5, []byte("hello")),
		packShort(IDData, 6, []byte(" world")),
		packShort(IDDone, 0, nil),
	}}
	var dst bytes.Buffer
	var steps [][2]int64
	err := NewConn(s).Pull("/f", &dst, func(cur, total int64) {
		steps = append(steps, [2]int64{cur, total})
	})
	require.NoError(t, err)
	assert.Equal(t, [][2]int64{{5, 11}, {11, 11}}, steps)
}

func TestPullFail(t *testing.T) {
	s := &fakeStream{chunks: [][]byte{packShort(IDFail, 6, []byte("denied"))}}
	err := NewConn(s).Pull("/protected", io.Discard, nil)
	var pullErr *PullFailedError
	require.ErrorAs(t, err, &pullErr)
	assert.Equal(t, "denied", pullErr.Reason)
}

func TestPushSmallFileCoalescesIntoOneWrite(t *testing.T) {
	payload := make([]byte, 3000)
	for i := range payload {
		payload[i] = byte(i)
	}
	s := &fakeStream{chunks: [][]byte{packShort(IDOkay, 0, nil)}}
	c := NewConn(s)

	err := c.Push(bytes.NewReader(payload), "foo", 0o644, time.Unix(1700000000, 0), 3000, nil)
	require.NoError(t, err)

	// SEND + DATA(2048) + DATA(952) + DONE coalesce below MaxPayload, so
	// exactly one WRTE leaves the host.
	require.Len(t, s.writes, 1)
	buf := s.writes[0]

	spec := []byte("foo,33188") // 0o100644
	require.Equal(t, packShort(IDSend, uint32(len(spec)), spec), buf[:8+len(spec)])
	buf = buf[8+len(spec):]

	require.Equal(t, uint32(IDData), binary.LittleEndian.Uint32(buf[0:]))
	require.Equal(t, uint32(2048), binary.LittleEndian.Uint32(buf[4:]))
	assert.Equal(t, payload[:2048], buf[8:8+2048])
	buf = buf[8+2048:]

	require.Equal(t, uint32(IDData), binary.LittleEndian.Uint32(buf[0:]))
	require.Equal(t, uint32(952), binary.LittleEndian.Uint32(buf[4:]))
	assert.Equal(t, payload[2048:], buf[8:8+952])
	buf = buf[8+952:]

	require.Equal(t, packShort(IDDone, 1700000000, nil), buf)
}

func TestPushFlushesWhenBufferWouldOverflow(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 5000)
	s := &fakeStream{chunks: [][]byte{packShort(IDOkay, 0, nil)}}
	c := NewConn(s)

	err := c.Push(bytes.NewReader(payload), "big", 0o644, time.Unix(1, 0), 5000, nil)
	require.NoError(t, err)

	// The second DATA packet would overflow one ADB payload, forcing an
	// early flush; the rest goes out with the final read's flush.
	require.Len(t, s.writes, 2)
	total := 0
	for _, w := range s.writes {
		assert.Less(t, len(w), 4096)
		total += len(w)
	}
	// SEND hdr+9 spec bytes, three DATA packets, one DONE.
	assert.Equal(t, 8+len("big,33188")+3*8+5000+8, total)
}

func TestPushZeroMtimeSubstitutesNow(t *testing.T) {
	s := &fakeStream{chunks: [][]byte{packShort(IDOkay, 0, nil)}}
	before := uint32(time.Now().Unix())
	err := NewConn(s).Push(bytes.NewReader([]byte("x")), "f", 0o600, time.Time{}, 1, nil)
	require.NoError(t, err)
	after := uint32(time.Now().Unix())

	buf := s.writes[0]
	done := buf[len(buf)-8:]
	require.Equal(t, uint32(IDDone), binary.LittleEndian.Uint32(done[0:]))
	mtime := binary.LittleEndian.Uint32(done[4:])
	assert.GreaterOrEqual(t, mtime, before)
	assert.LessOrEqual(t, mtime, after)
}

func TestPushFail(t *testing.T) {
	s := &fakeStream{chunks: [][]byte{packShort(IDFail, 13, []byte("No space left"))}}
	err := NewConn(s).Push(bytes.NewReader([]byte("data")), "/full", 0o644, time.Unix(9, 0), 4, nil)
	var pushErr *PushFailedError
	require.ErrorAs(t, err, &pushErr)
	assert.Equal(t, "No space left", pushErr.Reason)
}

func TestPushProgress(t *testing.T) {
	payload := bytes.Repeat([]byte{1}, 3000)
	s := &fakeStream{chunks: [][]byte{packShort(IDOkay, 0, nil)}}
	var steps [][2]int64
	err := NewConn(s).Push(bytes.NewReader(payload), "p", 0o644, time.Unix(5, 0), 3000, func(cur, total int64) {
		steps = append(steps, [2]int64{cur, total})
	})
	require.NoError(t, err)
	assert.Equal(t, [][2]int64{{2048, 3000}, {3000, 3000}}, steps)
}
