package auth_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"qdl/pkg/edl"
	"qdl/pkg/edl/auth"
)

type fakeSender struct {
	lastTag   string
	lastAttrs map[string]string
	tags      []string
	ack       map[string]string
	ok        bool
	err       error
	vipMode   bool
}

func (f *fakeSender) SendRaw(_ context.Context, tag string, attrs map[string]string) (map[string]string, bool, error) {
	f.lastTag = tag
	f.lastAttrs = attrs
	f.tags = append(f.tags, tag)
	return f.ack, f.ok, f.err
}

func (f *fakeSender) SetVIPMode(enabled bool) { f.vipMode = enabled }

func TestNoneAlwaysSucceeds(t *testing.T) {
	require.NoError(t, auth.None{}.Authenticate(context.Background(), edl.ChipIdentity{}, &fakeSender{}))
}

func TestSignatureRequiresDigestAndSignature(t *testing.T) {
	err := auth.Signature{}.Authenticate(context.Background(), edl.ChipIdentity{}, &fakeSender{})
	require.Error(t, err)
}

func TestSignatureSendsDigestThenSignatureAndEnablesVIPMode(t *testing.T) {
	fs := &fakeSender{ok: true}
	err := auth.Signature{DigestHex: "d1ge57", SignatureHex: "51987e"}.Authenticate(context.Background(), edl.ChipIdentity{}, fs)
	require.NoError(t, err)
	require.Equal(t, []string{"setprojmodel", "setxtsencryption"}, fs.tags)
	require.Equal(t, "51987e", fs.lastAttrs["signature"])
	require.True(t, fs.vipMode)
}

func TestSignatureFailsOnNak(t *testing.T) {
	fs := &fakeSender{ok: false, ack: map[string]string{"value": "NAK"}}
	err := auth.Signature{DigestHex: "d1ge57", SignatureHex: "51987e"}.Authenticate(context.Background(), edl.ChipIdentity{}, fs)
	require.Error(t, err)
	var ee *edl.Error
	require.ErrorAs(t, err, &ee)
	require.Equal(t, edl.KindAuthFailed, ee.Kind)
	require.False(t, fs.vipMode)
}

func TestDeriveTokenIsDeterministic(t *testing.T) {
	chip := edl.ChipIdentity{Serial: 0x12345678, HWID: 0x1122334455667788}
	tok1 := auth.DeriveToken(chip)
	tok2 := auth.DeriveToken(chip)
	require.Equal(t, tok1, tok2)
	require.Len(t, tok1, 16) // 8 bytes hex-encoded

	other := chip
	other.Serial++
	require.NotEqual(t, tok1, auth.DeriveToken(other))
}

func TestChallengeResponseSendsDerivedToken(t *testing.T) {
	fs := &fakeSender{ok: true}
	chip := edl.ChipIdentity{Serial: 1, HWID: 2}
	require.NoError(t, auth.ChallengeResponse{}.Authenticate(context.Background(), chip, fs))
	require.Equal(t, "miauth", fs.lastTag)
	require.Equal(t, auth.DeriveToken(chip), fs.lastAttrs["token"])
}

func TestRegistryResolvesByOEMAndFallsBack(t *testing.T) {
	r := auth.NewRegistry(auth.None{})
	r.Register(0x00E1, auth.ChallengeResponse{})

	matched := edl.ChipIdentity{HWID: uint64(0x00E1) << 16}
	require.Equal(t, edl.AuthChallenge, r.Resolve(matched).Mode())

	unmatched := edl.ChipIdentity{HWID: uint64(0xBEEF) << 16}
	require.Equal(t, edl.AuthNone, r.Resolve(unmatched).Mode())
}

func TestVendorNMergesExtraAttrs(t *testing.T) {
	fs := &fakeSender{ok: true}
	v := auth.VendorN{Name: "acme", Extra: map[string]string{"stage": "2"}}
	require.NoError(t, v.Authenticate(context.Background(), edl.ChipIdentity{}, fs))
	require.Equal(t, "peek", fs.lastTag)
	require.Equal(t, "acme", fs.lastAttrs["vendor"])
	require.Equal(t, "2", fs.lastAttrs["stage"])
}
