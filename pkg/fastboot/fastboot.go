// Package fastboot speaks the bootloader protocol directly over a bulk
// transport: plain ASCII commands, fixed 64-byte responses and chunked
// image downloads. There is no ADB framing underneath.
package fastboot

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"adblink/internal/config"
	"adblink/internal/transport"

	"github.com/google/gousb"
	"github.com/rs/zerolog"
)

// responseSize is the fixed bulk-read size for every device reply.
const responseSize = 64

// DefaultChunkKB is the bulk-write granularity for downloads.
const DefaultChunkKB = 1024

// Vendors carries the USB vendor ids known to ship fastboot-capable
// bootloaders. Enumeration is keyed on the interface triple alone; neither
// Connect nor Devices consults this set.
var Vendors = map[gousb.ID]bool{
	0x18D1: true, 0x0451: true, 0x0502: true, 0x0FCE: true, 0x05C6: true,
	0x22B8: true, 0x0955: true, 0x413C: true, 0x2314: true, 0x0BB4: true,
	0x8087: true,
}

// Transport is the bulk byte channel the protocol runs on.
type Transport interface {
	BulkWrite(data []byte, timeout time.Duration) (int, error)
	BulkRead(max int, timeout time.Duration) ([]byte, error)
	Close() error
}

// InfoFunc observes INFO lines and terminal response text.
type InfoFunc func(header, message string)

// ProgressFunc observes download progress after each chunk.
type ProgressFunc func(current, total int64)

// Protocol frames commands and collects responses over one transport.
type Protocol struct {
	t       Transport
	chunkKB int
	timeout time.Duration
	log     zerolog.Logger
}

// NewProtocol wraps t. chunkKB 0 means DefaultChunkKB.
func NewProtocol(t Transport, chunkKB int, timeout time.Duration, log zerolog.Logger) *Protocol {
	if chunkKB <= 0 {
		chunkKB = DefaultChunkKB
	}
	return &Protocol{t: t, chunkKB: chunkKB, timeout: timeout, log: log}
}

// SendCommand writes "cmd" or "cmd:arg" as a single bulk write.
func (p *Protocol) SendCommand(cmd, arg string) error {
	line := cmd
	if arg != "" {
		line = cmd + ":" + arg
	}
	p.log.Debug().Str("cmd", line).Msg("fastboot send")
	_, err := p.t.BulkWrite([]byte(line), p.timeout)
	return err
}

// AcceptResponses reads 64-byte replies until a terminal one arrives.
// INFO lines go to info and reading continues; FAIL raises
// RemoteFailureError; OKAY or DATA must match expected.
func (p *Protocol) AcceptResponses(expected string, info InfoFunc) ([]byte, error) {
	for {
		resp, err := p.t.BulkRead(responseSize, p.timeout)
		if err != nil {
			return nil, err
		}
		if len(resp) < 4 {
			return nil, &InvalidResponseError{Header: resp}
		}
		header := string(resp[:4])
		remaining := resp[4:]
		p.log.Debug().Str("header", header).Msg("fastboot recv")
		switch header {
		case "INFO":
			callInfo(info, header, remaining)
		case "OKAY", "DATA":
			if header != expected {
				return nil, &StateMismatchError{Expected: expected, Got: header}
			}
			if header == "OKAY" {
				callInfo(info, header, remaining)
			}
			return remaining, nil
		case "FAIL":
			callInfo(info, header, remaining)
			return nil, &RemoteFailureError{Message: trimMessage(remaining)}
		default:
			return nil, &InvalidResponseError{Header: resp[:4], Remaining: remaining}
		}
	}
}

func callInfo(info InfoFunc, header string, remaining []byte) {
	if info != nil {
		info(header, trimMessage(remaining))
	}
}

func trimMessage(b []byte) string {
	return strings.TrimRight(string(b), "\x00")
}

// HandleDataSending runs the DATA phase of a download: confirm the size
// the device accepts, stream the image in chunks, collect the final OKAY.
func (p *Protocol) HandleDataSending(src io.Reader, length int64, info InfoFunc, progress ProgressFunc) ([]byte, error) {
	resp, err := p.AcceptResponses("DATA", info)
	if err != nil {
		return nil, err
	}
	accepted, err := parseHexSize(resp)
	if err != nil {
		return nil, err
	}
	if accepted != length {
		return nil, &TransferError{Requested: length, Accepted: accepted}
	}
	if err := p.write(src, length, progress); err != nil {
		return nil, err
	}
	return p.AcceptResponses("OKAY", info)
}

// parseHexSize decodes the 8 hex-ASCII digits a DATA reply leads with.
func parseHexSize(resp []byte) (int64, error) {
	if len(resp) < 8 {
		return 0, &InvalidResponseError{Header: []byte("DATA"), Remaining: resp}
	}
	v, err := strconv.ParseUint(string(resp[:8]), 16, 32)
	if err != nil {
		return 0, &InvalidResponseError{Header: []byte("DATA"), Remaining: resp}
	}
	return int64(v), nil
}

func (p *Protocol) write(src io.Reader, length int64, progress ProgressFunc) error {
	var current int64
	buf := make([]byte, p.chunkKB*1024)
	for current < length {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := p.t.BulkWrite(buf[:n], p.timeout); werr != nil {
				return werr
			}
			current += int64(n)
			if progress != nil {
				progress(current, length)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Options configure Connect.
type Options struct {
	Serial   string
	PortPath []int
	Timeout  time.Duration
	// ChunkKB is the download chunk size in KiB.
	ChunkKB int
	Logger  *zerolog.Logger
}

// Client is a connected fastboot device.
type Client struct {
	t     Transport
	proto *Protocol
	log   zerolog.Logger
}

// Connect claims the first USB device exposing the fastboot interface and
// matching the optional serial/port-path filters.
func Connect(opts Options) (*Client, error) {
	env := config.Load()
	if opts.Serial == "" && len(opts.PortPath) == 0 {
		opts.Serial = env.Serial
	}
	if opts.Timeout == 0 {
		opts.Timeout = env.Timeout
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	h, err := transport.OpenUSB(transport.FastbootInterface, transport.UsbOptions{
		Serial:   opts.Serial,
		PortPath: opts.PortPath,
		Timeout:  opts.Timeout,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}
	return NewClient(h, opts.ChunkKB, opts.Timeout, log), nil
}

// NewClient wraps a caller-supplied transport; the client takes ownership.
func NewClient(t Transport, chunkKB int, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{t: t, proto: NewProtocol(t, chunkKB, timeout, log), log: log}
}

// Devices lists USB devices currently in fastboot mode.
func Devices() ([]transport.DeviceInfo, error) {
	return transport.ListDevices(transport.FastbootInterface)
}

func (c *Client) simple(cmd, arg string, info InfoFunc) (string, error) {
	if err := c.proto.SendCommand(cmd, arg); err != nil {
		return "", err
	}
	resp, err := c.proto.AcceptResponses("OKAY", info)
	if err != nil {
		return "", err
	}
	return trimMessage(resp), nil
}

// Getvar queries one bootloader variable.
func (c *Client) Getvar(name string, info InfoFunc) (string, error) {
	return c.simple("getvar", name, info)
}

// Download streams length bytes from src into the device's staging
// buffer.
func (c *Client) Download(src io.Reader, length int64, info InfoFunc, progress ProgressFunc) (string, error) {
	if err := c.proto.SendCommand("download", fmt.Sprintf("%08x", length)); err != nil {
		return "", err
	}
	resp, err := c.proto.HandleDataSending(src, length, info, progress)
	if err != nil {
		return "", err
	}
	return trimMessage(resp), nil
}

// Flash writes the staged download to a partition.
func (c *Client) Flash(partition string, info InfoFunc) (string, error) {
	return c.simple("flash", partition, info)
}

// FlashFromFile downloads an image file and flashes it to partition.
func (c *Client) FlashFromFile(partition, path string, info InfoFunc, progress ProgressFunc) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return "", err
	}
	down, err := c.Download(f, st.Size(), info, progress)
	if err != nil {
		return "", err
	}
	flash, err := c.Flash(partition, info)
	if err != nil {
		return "", err
	}
	return down + flash, nil
}

// Erase wipes a partition.
func (c *Client) Erase(partition string, info InfoFunc) (string, error) {
	return c.simple("erase", partition, info)
}

// Oem runs a vendor-specific command.
func (c *Client) Oem(cmd string, info InfoFunc) (string, error) {
	return c.simple("oem "+cmd, "", info)
}

// Continue resumes the normal boot.
func (c *Client) Continue(info InfoFunc) (string, error) {
	return c.simple("continue", "", info)
}

// Reboot reboots into target mode, or the OS when target is empty.
func (c *Client) Reboot(target string, info InfoFunc) (string, error) {
	return c.simple("reboot", target, info)
}

// RebootBootloader reboots back into the bootloader.
func (c *Client) RebootBootloader(info InfoFunc) (string, error) {
	return c.simple("reboot-bootloader", "", info)
}

// Close releases the transport.
func (c *Client) Close() error {
	return c.t.Close()
}
