// Package adb exposes host-side sessions against a single Android device:
// logical streams multiplexed over one transport, shell and one-shot
// services, and file transfer via the filesync sub-protocol.
package adb

import (
	"fmt"
	"io"
	"time"

	"adblink/pkg/adb/wire"

	"github.com/rs/zerolog"
)

// Stream is one logical connection inside a session, identified by the
// (localID, remoteID) pair. Streams are not safe for concurrent use.
type Stream struct {
	conn     wire.Conn
	localID  uint32
	remoteID uint32
	timeout  time.Duration
	overall  time.Duration
	log      zerolog.Logger
	closed   bool
}

// openStream sends OPEN and waits for the device to accept. Some devices
// answer a refused OPEN with two CLSE messages, so a first CLSE gets one
// more read before the open is declared refused.
func openStream(conn wire.Conn, dest string, localID uint32, timeout, overall time.Duration, log zerolog.Logger) (*Stream, error) {
	open := wire.Message{
		Command: wire.CmdOpen,
		Arg0:    localID,
		Data:    append([]byte(dest), 0),
	}
	if err := wire.Send(conn, open, timeout); err != nil {
		return nil, err
	}

	msg, err := wire.ReadMessage(conn, []wire.Command{wire.CmdClse, wire.CmdOkay}, timeout, overall)
	if err != nil {
		return nil, err
	}
	if msg.Command == wire.CmdClse {
		if msg, err = wire.ReadMessage(conn, []wire.Command{wire.CmdClse, wire.CmdOkay}, timeout, overall); err != nil {
			return nil, err
		}
		if msg.Command == wire.CmdClse {
			return nil, ErrServiceUnavailable
		}
	}
	if msg.Arg1 != localID {
		return nil, &wire.InvalidResponseError{
			Detail: fmt.Sprintf("OKAY for stream %d, expected %d", msg.Arg1, localID),
		}
	}
	log.Debug().Str("dest", dest).Uint32("local", localID).Uint32("remote", msg.Arg0).Msg("stream open")
	return &Stream{
		conn:     conn,
		localID:  localID,
		remoteID: msg.Arg0,
		timeout:  timeout,
		overall:  overall,
		log:      log,
	}, nil
}

func (s *Stream) send(cmd wire.Command, data []byte) error {
	return wire.Send(s.conn, wire.Message{
		Command: cmd,
		Arg0:    s.localID,
		Arg1:    s.remoteID,
		Data:    data,
	}, s.timeout)
}

// Okay acknowledges the most recent WRTE from the device.
func (s *Stream) Okay() error {
	return s.send(wire.CmdOkay, nil)
}

// Write sends one WRTE and blocks until the device acknowledges it. The
// device must answer each WRTE with OKAY before the next is sent.
func (s *Stream) Write(data []byte) (int, error) {
	if s.closed {
		return 0, ErrStreamClosed
	}
	if err := s.send(wire.CmdWrte, data); err != nil {
		return 0, err
	}
	if _, _, err := s.ReadUntil(wire.CmdOkay); err != nil {
		return 0, err
	}
	return len(data), nil
}

// ReadUntil reads the next message for this stream, tolerating
// valid-but-unexpected commands up to the overall timeout. An id of 0 on
// either side is accepted as unspecified; a nonzero mismatch means the
// message belongs to another stream. Incoming WRTE is acknowledged before
// returning.
func (s *Stream) ReadUntil(expected ...wire.Command) (wire.Command, []byte, error) {
	msg, err := wire.ReadMessage(s.conn, expected, s.timeout, s.overall)
	if err != nil {
		return 0, nil, err
	}
	// Incoming arg0 is the peer's own id (our remoteID), arg1 ours.
	if msg.Arg1 != 0 && msg.Arg1 != s.localID {
		return 0, nil, &InterleavedDataError{
			WantLocal: s.localID, WantRemote: s.remoteID,
			GotLocal: msg.Arg1, GotRemote: msg.Arg0,
		}
	}
	if msg.Arg0 != 0 && msg.Arg0 != s.remoteID {
		return 0, nil, &InterleavedDataError{
			WantLocal: s.localID, WantRemote: s.remoteID,
			GotLocal: msg.Arg1, GotRemote: msg.Arg0,
		}
	}
	if msg.Command == wire.CmdWrte {
		if err := s.Okay(); err != nil {
			return 0, nil, err
		}
	}
	return msg.Command, msg.Data, nil
}

// ReadChunk returns the payload of the next WRTE on this stream.
func (s *Stream) ReadChunk() ([]byte, error) {
	_, data, err := s.ReadUntil(wire.CmdWrte)
	return data, err
}

// ChunkReader yields successive WRTE payloads until the device closes the
// stream. It owns the stream: once Next returns io.EOF the close exchange
// is already done.
type ChunkReader struct {
	s    *Stream
	done bool
}

// DrainUntilClose returns an iterator over the remaining device output.
func (s *Stream) DrainUntilClose() *ChunkReader {
	return &ChunkReader{s: s}
}

// Next returns the next payload, or io.EOF after CLSE has been received
// and acknowledged.
func (r *ChunkReader) Next() ([]byte, error) {
	if r.done {
		return nil, io.EOF
	}
	cmd, data, err := r.s.ReadUntil(wire.CmdClse, wire.CmdWrte)
	if err != nil {
		return nil, err
	}
	if cmd == wire.CmdWrte {
		return data, nil
	}
	r.done = true
	r.s.closed = true
	if err := r.s.send(wire.CmdClse, nil); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Close sends CLSE and waits for the device's own CLSE. Some devices emit
// an extra trailing CLSE, which the next open absorbs through its
// double-CLSE read. Idempotent.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.send(wire.CmdClse, nil); err != nil {
		return err
	}
	_, _, err := s.ReadUntil(wire.CmdClse)
	return err
}
