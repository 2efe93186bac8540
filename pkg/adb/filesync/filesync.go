// Package filesync implements the sub-protocol spoken inside an ADB
// `sync:` stream: STAT/LIST/SEND/RECV exchanges for file metadata and
// transfer. Filesync packets are carried in WRTE payloads whose boundaries
// are unrelated to packet boundaries, so both directions are re-framed
// through byte buffers.
package filesync

import (
	"encoding/binary"
	"io"
	"os"
	"strconv"
	"time"

	"adblink/pkg/adb/wire"
)

// MaxPushData is the largest DATA payload sent device-ward in one packet.
const MaxPushData = 2 * 1024

// DefaultPushMode is applied when the caller does not specify one:
// regular file, rwx for user and group.
const DefaultPushMode = os.FileMode(0770)

const shortHeaderLen = 8

// ID is a four-letter filesync packet id packed little-endian.
type ID uint32

const (
	IDStat ID = 0x54415453 // STAT
	IDList ID = 0x5453494c // LIST
	IDSend ID = 0x444e4553 // SEND
	IDRecv ID = 0x56434552 // RECV
	IDDent ID = 0x544e4544 // DENT
	IDDone ID = 0x454e4f44 // DONE
	IDData ID = 0x41544144 // DATA
	IDOkay ID = 0x59414b4f // OKAY
	IDFail ID = 0x4c494146 // FAIL
	IDQuit ID = 0x54495551 // QUIT
)

func (id ID) String() string {
	return string([]byte{byte(id), byte(id >> 8), byte(id >> 16), byte(id >> 24)})
}

// Stream is the ADB stream a filesync session runs on; *adb.Stream
// satisfies it.
type Stream interface {
	Write(data []byte) (int, error)
	ReadChunk() ([]byte, error)
}

// DeviceFile is one remote file as reported by LIST or STAT.
type DeviceFile struct {
	Name    string
	Mode    os.FileMode
	Size    uint32
	ModTime time.Time
}

// IsDir reports whether the entry's mode has the directory bit.
func (f DeviceFile) IsDir() bool {
	return f.Mode&(1<<14) != 0
}

// ProgressFunc observes transfer progress. total is -1 when the source
// size is unknown.
type ProgressFunc func(current, total int64)

// progress replaces the reference's generator coroutine with explicit
// state: current advances by each chunk and the callback sees every step.
type progress struct {
	cb      ProgressFunc
	current int64
	total   int64
}

func (p *progress) add(n int) {
	if p == nil || p.cb == nil {
		return
	}
	p.current += int64(n)
	p.cb(p.current, p.total)
}

// Conn is a filesync session over one `sync:` stream. Outgoing packets
// coalesce in a send buffer that flushes when the next packet would
// overflow one ADB payload or when a read is about to occur; incoming
// WRTE payloads accumulate in a receive buffer that packet reads consume.
type Conn struct {
	s       Stream
	sendBuf []byte
	recvBuf []byte
}

// NewConn wraps an open `sync:` stream.
func NewConn(s Stream) *Conn {
	return &Conn{s: s, sendBuf: make([]byte, 0, wire.MaxPayload)}
}

func (c *Conn) canBuffer(dataLen int) bool {
	return len(c.sendBuf)+shortHeaderLen+dataLen < wire.MaxPayload
}

// send appends one short-header packet, flushing first if it would not fit.
func (c *Conn) send(id ID, arg uint32, data []byte) error {
	if !c.canBuffer(len(data)) {
		if err := c.flush(); err != nil {
			return err
		}
	}
	var hdr [shortHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(id))
	binary.LittleEndian.PutUint32(hdr[4:], arg)
	c.sendBuf = append(c.sendBuf, hdr[:]...)
	c.sendBuf = append(c.sendBuf, data...)
	return nil
}

func (c *Conn) sendBytes(id ID, data []byte) error {
	return c.send(id, uint32(len(data)), data)
}

func (c *Conn) flush() error {
	if len(c.sendBuf) == 0 {
		return nil
	}
	_, err := c.s.Write(c.sendBuf)
	c.sendBuf = c.sendBuf[:0]
	return err
}

// readExact returns n bytes, pulling further WRTE payloads as needed.
// Pending sends flush first: every filesync exchange is half duplex.
func (c *Conn) readExact(n int) ([]byte, error) {
	if err := c.flush(); err != nil {
		return nil, err
	}
	for len(c.recvBuf) < n {
		chunk, err := c.s.ReadChunk()
		if err != nil {
			return nil, err
		}
		c.recvBuf = append(c.recvBuf, chunk...)
	}
	out := c.recvBuf[:n:n]
	c.recvBuf = c.recvBuf[n:]
	return out, nil
}

func (c *Conn) readU32s(n int) ([]uint32, error) {
	raw, err := c.readExact(4 * n)
	if err != nil {
		return nil, err
	}
	vals := make([]uint32, n)
	for i := range vals {
		vals[i] = binary.LittleEndian.Uint32(raw[4*i:])
	}
	return vals, nil
}

// packet is one decoded device-to-host filesync packet.
type packet struct {
	id ID
	// mode/size/mtime are set for STAT and DENT replies.
	mode, size, mtime uint32
	// arg is the DONE/OKAY argument.
	arg uint32
	// data is the DATA payload, DENT filename or FAIL message.
	data []byte
}

// readPacket decodes the next packet. The header length depends on the id:
// STAT and DENT replies carry the long header, everything else the short
// one.
func (c *Conn) readPacket() (packet, error) {
	head, err := c.readU32s(2)
	if err != nil {
		return packet{}, err
	}
	p := packet{id: ID(head[0])}
	switch p.id {
	case IDStat:
		rest, err := c.readU32s(2)
		if err != nil {
			return packet{}, err
		}
		p.mode, p.size, p.mtime = head[1], rest[0], rest[1]
	case IDDent:
		rest, err := c.readU32s(3)
		if err != nil {
			return packet{}, err
		}
		p.mode, p.size, p.mtime = head[1], rest[0], rest[1]
		if p.data, err = c.readExact(int(rest[2])); err != nil {
			return packet{}, err
		}
	case IDData, IDFail:
		if p.data, err = c.readExact(int(head[1])); err != nil {
			return packet{}, err
		}
	default:
		p.arg = head[1]
	}
	return p, nil
}

func deviceFile(name []byte, mode, size, mtime uint32) DeviceFile {
	return DeviceFile{
		Name:    string(name),
		Mode:    os.FileMode(mode),
		Size:    size,
		ModTime: time.Unix(int64(mtime), 0),
	}
}

// Stat returns metadata for one remote path.
func (c *Conn) Stat(path string) (DeviceFile, error) {
	if err := c.sendBytes(IDStat, []byte(path)); err != nil {
		return DeviceFile{}, err
	}
	p, err := c.readPacket()
	if err != nil {
		return DeviceFile{}, err
	}
	switch p.id {
	case IDStat:
		return deviceFile([]byte(path), p.mode, p.size, p.mtime), nil
	case IDFail:
		return DeviceFile{}, &StatFailedError{Path: path, Reason: string(p.data)}
	default:
		return DeviceFile{}, &UnexpectedPacketError{Want: "STAT", Got: p.id}
	}
}

// List returns the directory entries of one remote path.
func (c *Conn) List(path string) ([]DeviceFile, error) {
	if err := c.sendBytes(IDList, []byte(path)); err != nil {
		return nil, err
	}
	var files []DeviceFile
	for {
		p, err := c.readPacket()
		if err != nil {
			return nil, err
		}
		switch p.id {
		case IDDent:
			files = append(files, deviceFile(p.data, p.mode, p.size, p.mtime))
		case IDDone:
			return files, nil
		case IDFail:
			return nil, &PullFailedError{Path: path, Reason: string(p.data)}
		default:
			return nil, &UnexpectedPacketError{Want: "DENT or DONE", Got: p.id}
		}
	}
}

// Pull streams the remote file into dst. When cb is non-nil the path is
// stat'ed first so the callback sees a total.
func (c *Conn) Pull(path string, dst io.Writer, cb ProgressFunc) error {
	var prog *progress
	if cb != nil {
		info, err := c.Stat(path)
		if err != nil {
			return err
		}
		prog = &progress{cb: cb, total: int64(info.Size)}
	}

	if err := c.sendBytes(IDRecv, []byte(path)); err != nil {
		return err
	}
	for {
		p, err := c.readPacket()
		if err != nil {
			return &PullFailedError{Path: path, Err: err}
		}
		switch p.id {
		case IDData:
			if _, err := dst.Write(p.data); err != nil {
				return &PullFailedError{Path: path, Err: err}
			}
			prog.add(len(p.data))
		case IDDone:
			return nil
		case IDFail:
			return &PullFailedError{Path: path, Reason: string(p.data)}
		default:
			return &UnexpectedPacketError{Want: "DATA or DONE", Got: p.id}
		}
	}
}

// Push streams src to the remote path. mtime zero means "now": the DONE
// packet smuggles the modification time in its argument field and the
// device records whatever it is told. mode zero means DefaultPushMode.
// size is the source length for progress reporting, -1 if unknown.
func (c *Conn) Push(src io.Reader, path string, mode os.FileMode, mtime time.Time, size int64, cb ProgressFunc) error {
	if mode == 0 {
		mode = DefaultPushMode
	}
	spec := []byte(path + "," + strconv.FormatUint(uint64(uint32(mode.Perm())|modeBits(mode)), 10))
	if err := c.sendBytes(IDSend, spec); err != nil {
		return err
	}

	var prog *progress
	if cb != nil {
		prog = &progress{cb: cb, total: size}
	}

	buf := make([]byte, MaxPushData)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if err := c.send(IDData, uint32(n), buf[:n]); err != nil {
				return err
			}
			prog.add(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}

	when := mtime.Unix()
	if mtime.IsZero() {
		when = time.Now().Unix()
	}
	if err := c.send(IDDone, uint32(when), nil); err != nil {
		return err
	}

	p, err := c.readPacket()
	if err != nil {
		return err
	}
	switch p.id {
	case IDOkay:
		return nil
	case IDFail:
		return &PushFailedError{Path: path, Reason: string(p.data)}
	default:
		return &UnexpectedPacketError{Want: "OKAY", Got: p.id}
	}
}

// modeBits keeps the file-type bits the device expects (S_IFREG for plain
// files) when translating from os.FileMode.
func modeBits(mode os.FileMode) uint32 {
	if mode&os.ModeDir != 0 {
		return 0o040000
	}
	if mode&os.ModeSymlink != 0 {
		return 0o120000
	}
	return 0o100000
}
