package identity

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vedran77/chatsync/internal/domain"
)

func chain(v string) domain.ParticipantID {
	return domain.ParticipantID{Kind: domain.KindChainAddress, Value: v}
}

func did(v string) domain.ParticipantID {
	return domain.ParticipantID{Kind: domain.KindDecentralizedID, Value: v}
}

func TestCanonicalKeyMixedKinds(t *testing.T) {
	a := chain("0xAA11")
	b := did("did:example:bb22")

	ab, err := CanonicalKey(a, b)
	require.NoError(t, err)
	ba, err := CanonicalKey(b, a)
	require.NoError(t, err)

	assert.Equal(t, "0xAA11_did:example:bb22", ab)
	assert.Equal(t, ab, ba)
}

func TestCanonicalKeyCommutative(t *testing.T) {
	ids := []domain.ParticipantID{
		chain("0x01"),
		chain("0xff"),
		chain("0xAbC"),
		did("did:example:alice"),
		did("did:key:z6Mk"),
		did("did:web:example.com"),
	}
	for _, a := range ids {
		for _, b := range ids {
			if a == b {
				continue
			}
			ab, err := CanonicalKey(a, b)
			require.NoError(t, err)
			ba, err := CanonicalKey(b, a)
			require.NoError(t, err)
			assert.Equal(t, ab, ba, "%s / %s", a, b)
		}
	}
}

func TestCanonicalKeySameKindSorted(t *testing.T) {
	key, err := CanonicalKey(did("did:example:zed"), did("did:example:amy"))
	require.NoError(t, err)
	assert.Equal(t, "did:example:amy_did:example:zed", key)

	key, err = CanonicalKey(chain("0xbb"), chain("0xaa"))
	require.NoError(t, err)
	assert.Equal(t, "0xaa_0xbb", key)
}

func TestCanonicalKeyRejectsSelf(t *testing.T) {
	for _, p := range []domain.ParticipantID{chain("0xAA11"), did("did:example:bb22")} {
		key, err := CanonicalKey(p, p)
		assert.Empty(t, key)
		assert.True(t, errors.Is(err, ErrSelfConversation))

		var idErr *IdentityError
		assert.True(t, errors.As(err, &idErr))
	}
}

func TestCanonicalKeyRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		a, b domain.ParticipantID
	}{
		{"empty", chain(""), did("did:example:x")},
		{"not hex", chain("0xZZ"), did("did:example:x")},
		{"bad did", chain("0x01"), did("did:")},
		{"unknown kind", domain.ParticipantID{Kind: "email", Value: "a@b"}, chain("0x01")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := CanonicalKey(tc.a, tc.b)
			assert.True(t, errors.Is(err, ErrMalformedParticipant))
		})
	}
}

func TestNormalizeRepairsLegacyKeys(t *testing.T) {
	cases := map[string]string{
		"did:example:bb22_0xAA11":               "0xAA11_did:example:bb22",
		"0xAA11_did:example:bb22":               "0xAA11_did:example:bb22",
		"0xbb_0xaa":                             "0xaa_0xbb",
		"did:example:zed_did:example:amy":       "did:example:amy_did:example:zed",
		"did:example:with_underscore_0x01":      "0x01_did:example:with_underscore",
		"3f2b9c1e-6a8d-4b5f-9e0a-1c2d3e4f5a6b":  "3f2b9c1e-6a8d-4b5f-9e0a-1c2d3e4f5a6b",
		"0xAA11_0xAA11":                         "0xAA11_0xAA11",
		"group_general":                         "group_general",
	}
	for in, want := range cases {
		got := Normalize(in)
		assert.Equal(t, want, got, in)
		assert.Equal(t, got, Normalize(got), "normalize must be idempotent for %s", in)
	}
}

func TestKeyForPicksMatchingKind(t *testing.T) {
	self := domain.Identity{ParticipantIDs: []domain.ParticipantID{
		chain("0xAA11"),
		did("did:example:me"),
	}}

	key, err := KeyFor(self, did("did:example:you"))
	require.NoError(t, err)
	assert.Equal(t, "did:example:me_did:example:you", key)

	key, err = KeyFor(self, chain("0x0011"))
	require.NoError(t, err)
	assert.Equal(t, "0x0011_0xAA11", key)

	peer, ok := Peer(self, key)
	require.True(t, ok)
	assert.Equal(t, chain("0x0011"), peer)
}

func TestChecksumAddress(t *testing.T) {
	// Reference vectors from EIP-55.
	for _, addr := range []string{
		"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
		"0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB",
	} {
		assert.Equal(t, addr, ChecksumAddress(addr))
		assert.NoError(t, ValidateChainAddress(addr))
	}

	bad := "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAeD"
	assert.ErrorIs(t, ValidateChainAddress(bad), ErrMalformedParticipant)
	assert.NoError(t, ValidateChainAddress("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"))
}

func TestShortDisplay(t *testing.T) {
	assert.Equal(t, "0xAA11", ShortDisplay(chain("0xAA11")))
	assert.Equal(t, "0x5aAe…eAed", ShortDisplay(chain("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")))
	assert.Equal(t, "did:example:bb22", ShortDisplay(did("did:example:bb22")))
	assert.Equal(t, "did:key:z6Mkha…2doK", ShortDisplay(did("did:key:z6MkhaXgBZDvotDkL5257faiztiGiC2QtKLGpbnnEGta2doK")))
}
