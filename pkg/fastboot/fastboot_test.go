package fastboot

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBootloader replays fixed 64-byte responses and records commands.
type fakeBootloader struct {
	responses [][]byte
	writes    [][]byte
	closed    bool
}

func (f *fakeBootloader) BulkWrite(data []byte, _ time.Duration) (int, error) {
	f.writes = append(f.writes, append([]byte(nil), data...))
	return len(data), nil
}

func (f *fakeBootloader) BulkRead(max int, _ time.Duration) ([]byte, error) {
	if len(f.responses) == 0 {
		return nil, fmt.Errorf("bootloader script exhausted")
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	if len(resp) > max {
		resp = resp[:max]
	}
	return resp, nil
}

func (f *fakeBootloader) Close() error {
	f.closed = true
	return nil
}

// resp pads a reply to the fixed 64-byte response size.
func resp(header, message string) []byte {
	buf := make([]byte, 64)
	copy(buf, header)
	copy(buf[4:], message)
	return buf
}

func newTestClient(f *fakeBootloader, chunkKB int) *Client {
	return NewClient(f, chunkKB, time.Second, zerolog.Nop())
}

func TestGetvar(t *testing.T) {
	f := &fakeBootloader{responses: [][]byte{resp("OKAY", "0.5")}}
	c := newTestClient(f, 0)

	out, err := c.Getvar("version", nil)
	require.NoError(t, err)
	assert.Equal(t, "0.5", out)
	require.Len(t, f.writes, 1)
	assert.Equal(t, []byte("getvar:version"), f.writes[0])
}

func TestCommandWithoutArgHasNoColon(t *testing.T) {
	f := &fakeBootloader{responses: [][]byte{resp("OKAY", "")}}
	c := newTestClient(f, 0)

	_, err := c.Continue(nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("continue"), f.writes[0])
}

func TestInfoFramesAreTransparent(t *testing.T) {
	f := &fakeBootloader{responses: [][]byte{
		resp("INFO", "Erasing..."),
		resp("INFO", "Writing..."),
		resp("OKAY", "done"),
	}}
	c := newTestClient(f, 0)

	var infos []string
	out, err := c.Flash("boot", func(header, msg string) {
		infos = append(infos, header+" "+msg)
	})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, []string{"INFO Erasing...", "INFO Writing...", "OKAY done"}, infos)
}

func TestInfoFramesIgnoredWithoutCallback(t *testing.T) {
	f := &fakeBootloader{responses: [][]byte{
		resp("INFO", "x"),
		resp("OKAY", "fine"),
	}}
	out, err := newTestClient(f, 0).Erase("cache", nil)
	require.NoError(t, err)
	assert.Equal(t, "fine", out)
}

func TestRemoteFailure(t *testing.T) {
	f := &fakeBootloader{responses: [][]byte{resp("FAIL", "unknown partition")}}
	_, err := newTestClient(f, 0).Flash("nope", nil)
	var remoteErr *RemoteFailureError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "unknown partition", remoteErr.Message)
}

func TestStateMismatch(t *testing.T) {
	// download expects DATA; an immediate OKAY is a protocol violation.
	f := &fakeBootloader{responses: [][]byte{resp("OKAY", "")}}
	_, err := newTestClient(f, 0).Download(bytes.NewReader([]byte("img")), 3, nil, nil)
	var stateErr *StateMismatchError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "DATA", stateErr.Expected)
	assert.Equal(t, "OKAY", stateErr.Got)
}

func TestInvalidResponseHeader(t *testing.T) {
	f := &fakeBootloader{responses: [][]byte{resp("WHAT", "")}}
	_, err := newTestClient(f, 0).Getvar("x", nil)
	var invErr *InvalidResponseError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, []byte("WHAT"), invErr.Header)
}

func TestDownloadSizeMismatch(t *testing.T) {
	f := &fakeBootloader{responses: [][]byte{resp("DATA", "00000100")}}
	_, err := newTestClient(f, 0).Download(bytes.NewReader(make([]byte, 0x200)), 0x200, nil, nil)
	var xferErr *TransferError
	require.ErrorAs(t, err, &xferErr)
	assert.Equal(t, int64(0x200), xferErr.Requested)
	assert.Equal(t, int64(0x100), xferErr.Accepted)
}

func TestFlashTenMiBImage(t *testing.T) {
	const imageLen = 10 * 1024 * 1024
	image := bytes.Repeat([]byte{0x5A}, imageLen)

	f := &fakeBootloader{responses: [][]byte{
		resp("DATA", "00a00000"),
		resp("OKAY", ""),
		resp("INFO", "Writing..."),
		resp("OKAY", ""),
	}}
	c := newTestClient(f, 1024)

	var steps [][2]int64
	_, err := c.Download(bytes.NewReader(image), imageLen, nil, func(cur, total int64) {
		steps = append(steps, [2]int64{cur, total})
	})
	require.NoError(t, err)

	_, err = c.Flash("boot", nil)
	require.NoError(t, err)

	// One command write plus ten exact 1 MiB chunks, then the flash command.
	require.Len(t, f.writes, 12)
	assert.Equal(t, []byte("download:00a00000"), f.writes[0])
	for i := 1; i <= 10; i++ {
		assert.Len(t, f.writes[i], 1024*1024)
	}
	assert.Equal(t, []byte("flash:boot"), f.writes[11])

	require.Len(t, steps, 10)
	for i, step := range steps {
		assert.Equal(t, int64(i+1)*1024*1024, step[0])
		assert.Equal(t, int64(imageLen), step[1])
	}
}

func TestCloseReleasesTransport(t *testing.T) {
	f := &fakeBootloader{}
	require.NoError(t, newTestClient(f, 0).Close())
	assert.True(t, f.closed)
}
