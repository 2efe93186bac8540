package adb

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"adblink/internal/config"
	"adblink/internal/transport"
	"adblink/pkg/adb/filesync"
	"adblink/pkg/adb/wire"

	"github.com/rs/zerolog"
)

// Signer is re-exported so callers don't need to import the wire package
// to supply keys.
type Signer = wire.Signer

// Options configure Connect. Zero values fall back to the environment
// defaults and then to built-in defaults.
type Options struct {
	// Serial selects the device. A value containing ":" is treated as a
	// TCP endpoint (port 5555 when unspecified); anything else matches the
	// USB serial number.
	Serial string
	// PortPath selects a USB device by bus number + port chain instead.
	PortPath []int
	// Timeout applies per bulk operation.
	Timeout time.Duration
	// AuthTimeout bounds the wait for the on-device confirmation dialog
	// after a public-key offer.
	AuthTimeout time.Duration
	// Signers are tried in order when the device demands authentication.
	Signers []Signer
	// Banner is the host identity announced in CNXN.
	Banner string
	// Logger receives debug traces; silent when nil.
	Logger *zerolog.Logger
}

// Session is an authenticated connection to one device. It owns the
// transport and serializes all traffic over it; methods block until the
// in-flight exchange completes.
type Session struct {
	conn    wire.Conn
	banner  wire.Banner
	timeout time.Duration
	overall time.Duration
	log     zerolog.Logger

	mu       sync.Mutex
	services map[string]*Stream
	nextID   uint32
	closed   bool
}

func (o *Options) fill() {
	env := config.Load()
	if o.Serial == "" && len(o.PortPath) == 0 {
		o.Serial = env.Serial
	}
	if o.Timeout == 0 {
		o.Timeout = env.Timeout
	}
}

func (o *Options) logger() zerolog.Logger {
	if o.Logger != nil {
		return *o.Logger
	}
	return zerolog.Nop()
}

// Connect opens the device transport, performs the handshake and returns
// a ready session.
func Connect(opts Options) (*Session, error) {
	opts.fill()
	log := opts.logger()

	var conn wire.Conn
	var err error
	if strings.Contains(opts.Serial, ":") {
		conn, err = transport.DialTCP(opts.Serial, opts.Timeout, log)
	} else {
		conn, err = transport.OpenUSB(transport.ADBInterface, transport.UsbOptions{
			Serial:   opts.Serial,
			PortPath: opts.PortPath,
			Timeout:  opts.Timeout,
			Logger:   log,
		})
	}
	if err != nil {
		return nil, err
	}

	sess, err := ConnectTransport(conn, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return sess, nil
}

// ConnectTransport runs the handshake over a caller-supplied transport.
// The session takes ownership of conn on success.
func ConnectTransport(conn wire.Conn, opts Options) (*Session, error) {
	opts.fill()
	log := opts.logger()

	banner, err := wire.Connect(conn, wire.ConnectConfig{
		Banner:      opts.Banner,
		Signers:     opts.Signers,
		Timeout:     opts.Timeout,
		AuthTimeout: opts.AuthTimeout,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("state", banner.State).Msg("device connected")
	return &Session{
		conn:     conn,
		banner:   banner,
		timeout:  opts.Timeout,
		overall:  10 * time.Second,
		log:      log,
		services: make(map[string]*Stream),
		nextID:   1,
	}, nil
}

// Devices lists USB devices currently exposing the ADB interface.
func Devices() ([]transport.DeviceInfo, error) {
	return transport.ListDevices(transport.ADBInterface)
}

// State returns the device state from the banner: device, recovery or
// sideload.
func (s *Session) State() string { return s.banner.State }

// Properties returns the unparsed banner properties.
func (s *Session) Properties() []string { return s.banner.Properties }

// open creates a new stream to destination. Callers hold s.mu.
func (s *Session) open(destination string) (*Stream, error) {
	if s.closed {
		return nil, ErrStreamClosed
	}
	id := s.nextID
	s.nextID++
	return openStream(s.conn, destination, id, s.timeout, s.overall, s.log)
}

// command opens the service, drains its output until the device closes
// the stream and returns the collected output.
func (s *Session) command(destination string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, err := s.open(destination)
	if err != nil {
		return "", err
	}
	var out strings.Builder
	drain := stream.DrainUntilClose()
	for {
		chunk, err := drain.Next()
		if err == io.EOF {
			return out.String(), nil
		}
		if err != nil {
			return out.String(), err
		}
		out.Write(chunk)
	}
}

// Shell runs a command through the `shell:` service and returns its
// combined output once the command exits.
func (s *Session) Shell(cmd string) (string, error) {
	return s.command("shell:" + cmd)
}

// StreamingShell runs a command and returns an iterator over its output
// chunks. The session must not be used for anything else until the
// iterator reports io.EOF.
func (s *Session) StreamingShell(cmd string) (*ChunkReader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, err := s.open("shell:" + cmd)
	if err != nil {
		return nil, err
	}
	return stream.DrainUntilClose(), nil
}

// Logcat streams the device log with the given options string.
func (s *Session) Logcat(options string) (*ChunkReader, error) {
	return s.StreamingShell("logcat " + options)
}

// Reboot reboots into target ("", "bootloader", "recovery"). The device
// drops the transport on its way down, so a refused stream is success.
func (s *Session) Reboot(target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.open("reboot:" + target)
	if errors.Is(err, ErrServiceUnavailable) {
		return nil
	}
	return err
}

// RebootBootloader reboots into the bootloader for fastboot use.
func (s *Session) RebootBootloader() error { return s.Reboot("bootloader") }

// Root restarts adbd with root privileges and returns the daemon's reply.
func (s *Session) Root() (string, error) { return s.command("root:") }

// Remount remounts the system partitions read-write.
func (s *Session) Remount() (string, error) { return s.command("remount:") }

// EnableVerity re-enables dm-verity checking.
func (s *Session) EnableVerity() (string, error) { return s.command("enable-verity:") }

// DisableVerity disables dm-verity checking.
func (s *Session) DisableVerity() (string, error) { return s.command("disable-verity:") }

// syncConn opens a fresh `sync:` stream wrapped for filesync use.
func (s *Session) syncConn() (*Stream, *filesync.Conn, error) {
	stream, err := s.open("sync:")
	if err != nil {
		return nil, nil, err
	}
	return stream, filesync.NewConn(stream), nil
}

// Stat returns metadata for one remote path.
func (s *Session) Stat(remote string) (filesync.DeviceFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, fs, err := s.syncConn()
	if err != nil {
		return filesync.DeviceFile{}, err
	}
	defer stream.Close()
	return fs.Stat(remote)
}

// List returns the entries of one remote directory.
func (s *Session) List(remote string) ([]filesync.DeviceFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, fs, err := s.syncConn()
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	return fs.List(remote)
}

// Pull copies a remote file into dst.
func (s *Session) Pull(remote string, dst io.Writer, progress filesync.ProgressFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, fs, err := s.syncConn()
	if err != nil {
		return err
	}
	defer stream.Close()
	return fs.Pull(remote, dst, progress)
}

// PullFile copies a remote file to a local path.
func (s *Session) PullFile(remote, local string, progress filesync.ProgressFunc) error {
	f, err := os.Create(local)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.Pull(remote, f, progress)
}

// Push copies src to the remote path. size is used only for progress
// totals; pass -1 when unknown.
func (s *Session) Push(src io.Reader, remote string, mode os.FileMode, mtime time.Time, size int64, progress filesync.ProgressFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, fs, err := s.syncConn()
	if err != nil {
		return err
	}
	defer stream.Close()
	return fs.Push(src, remote, mode, mtime, size, progress)
}

// PushFile copies a local file (or, recursively, a directory) to the
// device, preserving the source modification time.
func (s *Session) PushFile(local, remote string, progress filesync.ProgressFunc) error {
	info, err := os.Stat(local)
	if err != nil {
		return err
	}
	if info.IsDir() {
		if _, err := s.Shell("mkdir -p " + remote); err != nil {
			return err
		}
		entries, err := os.ReadDir(local)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := s.PushFile(filepath.Join(local, e.Name()), remote+"/"+e.Name(), progress); err != nil {
				return err
			}
		}
		return nil
	}

	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.Push(f, remote, info.Mode(), info.ModTime(), info.Size(), progress)
}

// InstallOptions tune Install.
type InstallOptions struct {
	// DestinationDir is the staging directory, /data/local/tmp by default.
	DestinationDir string
	// Replace passes -r to pm install.
	Replace bool
	// GrantPermissions passes -g to pm install.
	GrantPermissions bool
	Progress         filesync.ProgressFunc
}

// Install pushes an APK to the device, installs it through the package
// manager and removes the staged copy. The pm output is returned so the
// caller can surface "Success" or the failure reason.
func (s *Session) Install(apkPath string, opts InstallOptions) (string, error) {
	destDir := opts.DestinationDir
	if destDir == "" {
		destDir = "/data/local/tmp/"
	}
	staged := path.Join(destDir, filepath.Base(apkPath))

	if err := s.PushFile(apkPath, staged, opts.Progress); err != nil {
		return "", err
	}

	cmd := []string{"pm install"}
	if opts.GrantPermissions {
		cmd = append(cmd, "-g")
	}
	if opts.Replace {
		cmd = append(cmd, "-r")
	}
	cmd = append(cmd, fmt.Sprintf("%q", staged))
	out, err := s.Shell(strings.Join(cmd, " "))
	if err != nil {
		return out, err
	}
	if _, err := s.Shell("rm " + staged); err != nil {
		return out, err
	}
	return out, nil
}

// Uninstall removes a package; keepData passes -k to preserve its data.
func (s *Session) Uninstall(pkg string, keepData bool) (string, error) {
	cmd := []string{"pm uninstall"}
	if keepData {
		cmd = append(cmd, "-k")
	}
	cmd = append(cmd, fmt.Sprintf("%q", pkg))
	return s.Shell(strings.Join(cmd, " "))
}

// serviceConn returns the open stream for service, creating it on first
// use. The interactive shell keeps one stream alive across calls.
func (s *Session) serviceConn(service string) (*Stream, error) {
	if stream, ok := s.services[service]; ok && !stream.closed {
		return stream, nil
	}
	stream, err := s.open(service)
	if err != nil {
		return nil, err
	}
	s.services[service] = stream
	return stream, nil
}

// Close closes all service streams and the transport. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	for name, stream := range s.services {
		if err := stream.Close(); err != nil {
			s.log.Debug().Err(err).Str("service", name).Msg("stream close")
		}
	}
	return s.conn.Close()
}
