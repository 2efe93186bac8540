package transport

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/gousb"
	"github.com/rs/zerolog"
)

// DefaultTimeout is applied to bulk operations when the caller passes 0.
const DefaultTimeout = 10 * time.Second

// flushTimeout bounds each discard read right after interface claim.
const flushTimeout = 10 * time.Millisecond

// InterfaceSpec is the (class, subclass, protocol) triple identifying a
// vendor interface on the device.
type InterfaceSpec struct {
	Class    gousb.Class
	SubClass gousb.Class
	Protocol gousb.Protocol
}

// ADBInterface matches the android debug bridge function.
var ADBInterface = InterfaceSpec{Class: 0xFF, SubClass: 0x42, Protocol: 0x01}

// FastbootInterface matches the bootloader function.
var FastbootInterface = InterfaceSpec{Class: 0xFF, SubClass: 0x42, Protocol: 0x03}

// DeviceInfo describes a matching USB device before it is claimed.
type DeviceInfo struct {
	VendorID  gousb.ID
	ProductID gousb.ID
	Serial    string
	PortPath  []int
}

// UsbHandle is a claimed vendor interface with one bulk IN and one bulk OUT
// endpoint. A handle is exclusively owned by a single session.
type UsbHandle struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	epIn   *gousb.InEndpoint
	epOut  *gousb.OutEndpoint
	desc   string
	maxPkt int

	timeout time.Duration
	log     zerolog.Logger
	closed  bool
}

// UsbOptions narrow device selection and set handle defaults.
type UsbOptions struct {
	// Serial selects the device by its USB serial number.
	Serial string
	// PortPath selects the device by bus number followed by the port
	// numbers from the root hub down.
	PortPath []int
	// Timeout is the default per-call bulk timeout, DefaultTimeout if zero.
	Timeout time.Duration
	Logger  zerolog.Logger
}

type usbCandidate struct {
	cfgNum, ifNum, alt int
	inEp, outEp        int
	maxPkt             int
}

// matchSetting returns the first alternate setting of desc whose triple
// equals spec, together with its bulk endpoint pair.
func matchSetting(desc *gousb.DeviceDesc, spec InterfaceSpec) (usbCandidate, bool) {
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if alt.Class != spec.Class || alt.SubClass != spec.SubClass || alt.Protocol != spec.Protocol {
					continue
				}
				cand := usbCandidate{cfgNum: cfg.Number, ifNum: intf.Number, alt: alt.Alternate, inEp: -1, outEp: -1}
				for _, ep := range alt.Endpoints {
					if ep.TransferType != gousb.TransferTypeBulk {
						continue
					}
					if ep.Direction == gousb.EndpointDirectionIn {
						cand.inEp = ep.Number
						cand.maxPkt = ep.MaxPacketSize
					} else {
						cand.outEp = ep.Number
					}
				}
				if cand.inEp >= 0 && cand.outEp >= 0 {
					return cand, true
				}
			}
		}
	}
	return usbCandidate{}, false
}

func portPath(desc *gousb.DeviceDesc) []int {
	return append([]int{desc.Bus}, desc.Path...)
}

func portPathEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ListDevices enumerates devices exposing an interface matching spec.
func ListDevices(spec InterfaceSpec) ([]DeviceInfo, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	var infos []DeviceInfo
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		_, ok := matchSetting(desc, spec)
		return ok
	})
	for _, dev := range devs {
		serial, _ := dev.SerialNumber()
		infos = append(infos, DeviceInfo{
			VendorID:  dev.Desc.Vendor,
			ProductID: dev.Desc.Product,
			Serial:    serial,
			PortPath:  portPath(dev.Desc),
		})
		dev.Close()
	}
	if len(infos) == 0 && err != nil {
		return nil, newErr(KindIO, "enumerate", "usb", err)
	}
	return infos, nil
}

// OpenUSB finds the first device exposing an interface matching spec (and
// the optional serial/port-path filters), claims that interface and flushes
// any stale input.
func OpenUSB(spec InterfaceSpec, opts UsbOptions) (*UsbHandle, error) {
	ctx := gousb.NewContext()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if _, ok := matchSetting(desc, spec); !ok {
			return false
		}
		if len(opts.PortPath) > 0 && !portPathEqual(opts.PortPath, portPath(desc)) {
			return false
		}
		return true
	})
	if len(devs) == 0 {
		ctx.Close()
		if err != nil {
			return nil, newErr(KindIO, "open", "usb", err)
		}
		return nil, newErr(KindNotFound, "open", "usb", errors.New("no device with a matching interface"))
	}

	var chosen *gousb.Device
	for _, dev := range devs {
		if chosen == nil && usbSerialMatches(dev, opts.Serial) {
			chosen = dev
			continue
		}
		dev.Close()
	}
	if chosen == nil {
		ctx.Close()
		return nil, newErr(KindNotFound, "open", opts.Serial, errors.New("no device with a matching serial"))
	}

	h, err := claim(ctx, chosen, spec, opts)
	if err != nil {
		chosen.Close()
		ctx.Close()
		return nil, err
	}
	h.Flush()
	return h, nil
}

func usbSerialMatches(dev *gousb.Device, want string) bool {
	if want == "" {
		return true
	}
	serial, err := dev.SerialNumber()
	return err == nil && serial == want
}

func claim(ctx *gousb.Context, dev *gousb.Device, spec InterfaceSpec, opts UsbOptions) (*UsbHandle, error) {
	cand, _ := matchSetting(dev.Desc, spec)
	desc := fmt.Sprintf("%v:%v %v", dev.Desc.Vendor, dev.Desc.Product, portPath(dev.Desc))

	// Windows has no kernel driver to detach; elsewhere an active driver
	// must be moved out of the way before the claim. A missing driver is
	// benign.
	if runtime.GOOS != "windows" {
		if err := dev.SetAutoDetach(true); err != nil && !errors.Is(err, gousb.ErrorNotFound) {
			opts.Logger.Debug().Err(err).Str("dev", desc).Msg("kernel driver detach")
		}
	}

	cfg, err := dev.Config(cand.cfgNum)
	if err != nil {
		return nil, newErr(KindIO, "set config", desc, err)
	}
	intf, err := cfg.Interface(cand.ifNum, cand.alt)
	if err != nil {
		cfg.Close()
		return nil, newErr(KindIO, "claim interface", desc, err)
	}
	epIn, err := intf.InEndpoint(cand.inEp)
	if err == nil {
		var epOut *gousb.OutEndpoint
		epOut, err = intf.OutEndpoint(cand.outEp)
		if err == nil {
			timeout := opts.Timeout
			if timeout == 0 {
				timeout = DefaultTimeout
			}
			return &UsbHandle{
				ctx: ctx, dev: dev, cfg: cfg, intf: intf,
				epIn: epIn, epOut: epOut,
				desc: desc, maxPkt: cand.maxPkt,
				timeout: timeout, log: opts.Logger,
			}, nil
		}
	}
	intf.Close()
	cfg.Close()
	return nil, newErr(KindIO, "open endpoints", desc, err)
}

func (h *UsbHandle) effective(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return h.timeout
	}
	return timeout
}

// MaxPacketSize returns the IN endpoint's max packet size.
func (h *UsbHandle) MaxPacketSize() int { return h.maxPkt }

// Label identifies the handle in errors and logs.
func (h *UsbHandle) Label() string { return h.desc }

// BulkWrite writes data to the OUT endpoint within timeout.
func (h *UsbHandle) BulkWrite(data []byte, timeout time.Duration) (int, error) {
	if h.closed {
		return 0, newErr(KindClosed, "write", h.desc, nil)
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.effective(timeout))
	defer cancel()

	n, err := h.epOut.WriteContext(ctx, data)
	if err != nil {
		kind := KindIO
		if errors.Is(err, gousb.ErrorTimeout) || ctx.Err() != nil {
			kind = KindWriteTimeout
		}
		return n, newErr(kind, "write", h.desc, err)
	}
	return n, nil
}

// BulkRead reads at most max bytes from the IN endpoint within timeout.
func (h *UsbHandle) BulkRead(max int, timeout time.Duration) ([]byte, error) {
	if h.closed {
		return nil, newErr(KindClosed, "read", h.desc, nil)
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.effective(timeout))
	defer cancel()

	buf := make([]byte, max)
	n, err := h.epIn.ReadContext(ctx, buf)
	if err != nil {
		kind := KindIO
		if errors.Is(err, gousb.ErrorTimeout) || ctx.Err() != nil {
			kind = KindReadTimeout
		}
		return nil, newErr(kind, "read", h.desc, err)
	}
	return buf[:n], nil
}

// Flush drains pending input, stopping at the first timeout. Stale frames
// left over from a previous session would otherwise corrupt the handshake.
func (h *UsbHandle) Flush() {
	for {
		_, err := h.BulkRead(h.maxPkt, flushTimeout)
		if err != nil {
			if !IsTimeout(err) {
				h.log.Debug().Err(err).Str("dev", h.desc).Msg("flush stopped")
			}
			return
		}
	}
}

// Close releases the interface and the device. Idempotent.
func (h *UsbHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	h.intf.Close()
	h.cfg.Close()
	h.dev.Close()
	return h.ctx.Close()
}
