package wire

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// AUTH message arg0 values.
const (
	AuthToken        = 1
	AuthSignature    = 2
	AuthRSAPublicKey = 3
)

// DefaultAuthTimeout bounds the single read after a public-key offer. It is
// deliberately short for unattended use; interactive callers raise it to
// give the user time to tap the confirmation dialog.
const DefaultAuthTimeout = 100 * time.Millisecond

// Signer produces an RSA signature over an authentication challenge. Sign
// receives the raw token bytes; the signer hashes (SHA-1) and pads
// (PKCS#1 v1.5) internally. PublicKey returns the ASCII adb public key
// form; the trailing NUL is appended on the wire by this package.
type Signer interface {
	Sign(token []byte) ([]byte, error)
	PublicKey() ([]byte, error)
}

// Banner is the parsed CNXN payload identifying the device.
type Banner struct {
	// State is device, recovery or sideload.
	State string
	// Properties are the unparsed ;-separated entries after the first "::".
	Properties []string
	Raw        []byte
}

// ParseBanner splits "state[::prop;prop;...]".
func ParseBanner(raw []byte) Banner {
	b := Banner{Raw: raw}
	s := strings.TrimRight(string(raw), "\x00")
	state, rest, found := strings.Cut(s, "::")
	b.State = state
	if found && rest != "" {
		b.Properties = strings.Split(strings.TrimSuffix(rest, ";"), ";")
	}
	return b
}

// ConnectConfig parameterizes the handshake.
type ConnectConfig struct {
	// Banner is the host identity sent in CNXN, "host::<banner>\0".
	Banner string
	// Signers are tried in order against the device's challenge.
	Signers []Signer
	// Timeout applies per bulk operation; the transport default if zero.
	Timeout time.Duration
	// Overall bounds how long unexpected-but-valid messages are tolerated.
	Overall time.Duration
	// AuthTimeout bounds the single read after the public-key offer,
	// DefaultAuthTimeout if zero.
	AuthTimeout time.Duration
	Logger      zerolog.Logger
}

func (cfg *ConnectConfig) fill() {
	if cfg.Banner == "" {
		cfg.Banner = "adblink"
	}
	if cfg.AuthTimeout == 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	if cfg.Overall == 0 {
		cfg.Overall = 10 * time.Second
	}
}

// Connect performs the CNXN/AUTH handshake and returns the device banner.
func Connect(c Conn, cfg ConnectConfig) (Banner, error) {
	cfg.fill()
	log := cfg.Logger

	hello := Message{
		Command: CmdCnxn,
		Arg0:    Version,
		Arg1:    MaxPayload,
		Data:    []byte(fmt.Sprintf("host::%s\x00", cfg.Banner)),
	}
	if err := Send(c, hello, cfg.Timeout); err != nil {
		return Banner{}, err
	}

	msg, err := ReadMessage(c, []Command{CmdCnxn, CmdAuth}, cfg.Timeout, cfg.Overall)
	if err != nil {
		return Banner{}, err
	}
	if msg.Command == CmdCnxn {
		return ParseBanner(msg.Data), nil
	}

	// AUTH: token challenge. Each signature attempt consumes a fresh token.
	if len(cfg.Signers) == 0 {
		return Banner{}, &AuthError{Reason: AuthNoKeys}
	}
	for i, signer := range cfg.Signers {
		if msg.Arg0 != AuthToken {
			return Banner{}, &InvalidResponseError{
				Detail: fmt.Sprintf("AUTH arg0=%d, want TOKEN", msg.Arg0),
			}
		}
		sig, err := signer.Sign(msg.Data)
		if err != nil {
			return Banner{}, fmt.Errorf("signer %d: %w", i, err)
		}
		if err := Send(c, Message{Command: CmdAuth, Arg0: AuthSignature, Data: sig}, cfg.Timeout); err != nil {
			return Banner{}, err
		}
		if msg, err = ReadMessage(c, []Command{CmdCnxn, CmdAuth}, cfg.Timeout, cfg.Overall); err != nil {
			return Banner{}, err
		}
		if msg.Command == CmdCnxn {
			log.Debug().Int("signer", i).Msg("signature accepted")
			return ParseBanner(msg.Data), nil
		}
	}

	// Every signature was refused: enroll the first signer's public key and
	// wait for the user to accept it on the device.
	pub, err := cfg.Signers[0].PublicKey()
	if err != nil {
		return Banner{}, fmt.Errorf("public key: %w", err)
	}
	offer := Message{Command: CmdAuth, Arg0: AuthRSAPublicKey, Data: append(bytes.Clone(pub), 0)}
	if err := Send(c, offer, cfg.Timeout); err != nil {
		return Banner{}, err
	}
	msg, err = ReadMessage(c, []Command{CmdCnxn, CmdAuth}, cfg.AuthTimeout, cfg.Overall)
	if err != nil {
		if isTimeout(err) {
			return Banner{}, &AuthError{Reason: AuthPendingUserAccept, Err: err}
		}
		return Banner{}, err
	}
	if msg.Command == CmdAuth {
		return Banner{}, &AuthError{Reason: AuthAllKeysRejected}
	}
	return ParseBanner(msg.Data), nil
}

// isTimeout matches transport-level timeouts without importing the
// transport package; any error exposing Timeout() bool qualifies, the
// net.Error convention.
func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
