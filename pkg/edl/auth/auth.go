// Package auth implements the polymorphic OEM authentication strategies a
// Firehose programmer may require before it unlocks storage access
// (spec.md §4.F): VIP signature, challenge-response, and vendor-specific
// post-configure handshakes.
package auth

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"

	"qdl/pkg/edl"
)

// Strategy is one authentication variant. Signature runs before Firehose
// configure; every other variant runs after configure, before any storage
// operation is attempted.
type Strategy interface {
	Mode() edl.AuthMode
	Authenticate(ctx context.Context, chip edl.ChipIdentity, fr CommandSender) error
}

// CommandSender is the minimal surface Strategy implementations need from
// firehose.Engine, kept narrow so auth does not import firehose (avoiding a
// dependency cycle — firehose/connection wires auth in, not vice versa).
type CommandSender interface {
	SendRaw(ctx context.Context, tag string, attrs map[string]string) (ack map[string]string, ok bool, err error)

	// SetVIPMode toggles the disguise envelope the Signature strategy
	// relies on once setprojmodel/setxtsencryption succeed.
	SetVIPMode(enabled bool)
}

// None is the no-op strategy for programmers that require no handshake.
type None struct{}

func (None) Mode() edl.AuthMode { return edl.AuthNone }
func (None) Authenticate(context.Context, edl.ChipIdentity, CommandSender) error { return nil }

// Signature is the VIP strategy (vendor O): the host presents a pre-signed
// digest and signature blob, each produced out of band by an OEM signing
// service. It must run before Firehose configure (spec.md §4.F); on
// success it puts the engine into VIP mode so later reads carry the
// disguise envelope that unlocks otherwise-protected regions.
type Signature struct {
	// DigestHex is the signed projmodel digest, hex-encoded.
	DigestHex string
	// SignatureHex is the xtsencryption signature blob, hex-encoded.
	SignatureHex string
}

func (Signature) Mode() edl.AuthMode { return edl.AuthSignature }

func (s Signature) Authenticate(ctx context.Context, _ edl.ChipIdentity, fr CommandSender) error {
	if s.DigestHex == "" || s.SignatureHex == "" {
		return &edl.Error{Op: "auth.Signature", Kind: edl.KindAuthFailed, Err: fmt.Errorf("digest and signature are both required")}
	}
	ack, ok, err := fr.SendRaw(ctx, "setprojmodel", map[string]string{"digest": s.DigestHex})
	if err != nil {
		return err
	}
	if !ok {
		return &edl.Error{Op: "auth.Signature", Kind: edl.KindAuthFailed, Log: ack["value"]}
	}
	ack, ok, err = fr.SendRaw(ctx, "setxtsencryption", map[string]string{"signature": s.SignatureHex})
	if err != nil {
		return err
	}
	if !ok {
		return &edl.Error{Op: "auth.Signature", Kind: edl.KindAuthFailed, Log: ack["value"]}
	}
	fr.SetVIPMode(true)
	return nil
}

// ChallengeResponse derives a short device-specific token from the chip's
// serial and hardware id and submits it for verification.
//
// Token derivation (spec.md §9 open question, resolved): SHA3-256 over a
// big-endian-packed serial(u32) || hwid(u64), truncated to the first 8
// bytes and hex-encoded. SHA3 is used because it is the one hash in the
// example corpus already imported for non-legacy work (golang.org/x/crypto),
// and truncation-to-8-bytes mirrors the compact printable tokens other
// vendor tools in the corpus exchange over the same XML attribute channel.
type ChallengeResponse struct{}

func (ChallengeResponse) Mode() edl.AuthMode { return edl.AuthChallenge }

// DeriveToken computes the challenge token for chip.
func DeriveToken(chip edl.ChipIdentity) string {
	var buf [12]byte
	binary.BigEndian.PutUint32(buf[0:4], chip.Serial)
	binary.BigEndian.PutUint64(buf[4:12], chip.HWID)
	sum := sha3.Sum256(buf[:])
	return hex.EncodeToString(sum[:8])
}

func (c ChallengeResponse) Authenticate(ctx context.Context, chip edl.ChipIdentity, fr CommandSender) error {
	token := DeriveToken(chip)
	ack, ok, err := fr.SendRaw(ctx, "miauth", map[string]string{"token": token})
	if err != nil {
		return err
	}
	if !ok {
		return &edl.Error{Op: "auth.ChallengeResponse", Kind: edl.KindAuthFailed, Log: ack["value"]}
	}
	return nil
}

// VendorN is a per-OEM post-configure handshake identified by name; Extra
// carries vendor-defined attributes verbatim (spec.md §4.F: new vendors
// are added by registering a Strategy, not by modifying the state
// machine).
type VendorN struct {
	Name  string
	Extra map[string]string
}

func (VendorN) Mode() edl.AuthMode { return edl.AuthVendorN }

func (v VendorN) Authenticate(ctx context.Context, _ edl.ChipIdentity, fr CommandSender) error {
	attrs := map[string]string{"vendor": v.Name}
	for k, val := range v.Extra {
		attrs[k] = val
	}
	ack, ok, err := fr.SendRaw(ctx, "peek", attrs)
	if err != nil {
		return err
	}
	if !ok {
		return &edl.Error{Op: "auth.VendorN", Kind: edl.KindAuthFailed, Log: ack["value"]}
	}
	return nil
}

// Registry maps a vendor OEM id (edl.ChipIdentity.OEMID) to the Strategy
// that should authenticate it, implementing the factory pattern spec.md
// §4.F calls for so new vendors are added without touching the connection
// state machine.
type Registry struct {
	byOEM   map[uint16]Strategy
	fallback Strategy
}

// NewRegistry builds a Registry defaulting unmatched OEM ids to fallback
// (typically None).
func NewRegistry(fallback Strategy) *Registry {
	if fallback == nil {
		fallback = None{}
	}
	return &Registry{byOEM: make(map[uint16]Strategy), fallback: fallback}
}

// Register associates oemID with strategy.
func (r *Registry) Register(oemID uint16, strategy Strategy) {
	r.byOEM[oemID] = strategy
}

// Resolve returns the Strategy registered for chip's OEM id, or the
// registry's fallback.
func (r *Registry) Resolve(chip edl.ChipIdentity) Strategy {
	if s, ok := r.byOEM[chip.OEMID()]; ok {
		return s
	}
	return r.fallback
}

// ChallengeResponseOEM is the OEM id that auto-runs ChallengeResponse by
// default (spec.md §4.F).
const ChallengeResponseOEM = 0x0072

// DefaultRegistry builds the Registry connection.New wires in by default:
// unmatched OEMs fall back to None, and ChallengeResponseOEM auto-runs
// challenge-response.
func DefaultRegistry() *Registry {
	r := NewRegistry(None{})
	r.Register(ChallengeResponseOEM, ChallengeResponse{})
	return r
}

// StrategyForMode builds a manual override Strategy from a CLI/RPC-level
// auth mode name and hex-encoded digest/signature blobs (spec.md §6 connect
// inputs: auth mode, digest path, sig path — the caller reads the path
// contents into hex before calling this). A mode of "" or "auto" returns a
// nil Strategy, meaning "use the per-OEM default registry unmodified".
func StrategyForMode(mode, digestHex, sigHex string) (Strategy, error) {
	switch mode {
	case "", "auto":
		return nil, nil
	case "none":
		return None{}, nil
	case "signature":
		return Signature{DigestHex: digestHex, SignatureHex: sigHex}, nil
	case "challenge":
		return ChallengeResponse{}, nil
	default:
		return nil, fmt.Errorf("auth: unknown mode %q", mode)
	}
}
