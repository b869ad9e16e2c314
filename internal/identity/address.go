package identity

import (
	"encoding/hex"
	"regexp"
	"strings"

	"golang.org/x/crypto/sha3"
)

var (
	hexAddressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{1,64}$`)
	didRegex        = regexp.MustCompile(`^did:[a-z0-9]+:[A-Za-z0-9._:%\-_]+$`)
)

// ValidateChainAddress accepts 0x-prefixed hex addresses. A full 20-byte
// address written in mixed case must carry a valid EIP-55 checksum.
func ValidateChainAddress(addr string) error {
	if !hexAddressRegex.MatchString(addr) {
		return ErrMalformedParticipant
	}
	body := addr[2:]
	if len(body) != 40 || !isMixedCase(body) {
		return nil
	}
	if ChecksumAddress(addr) != addr {
		return ErrMalformedParticipant
	}
	return nil
}

// ChecksumAddress renders a 20-byte hex address in EIP-55 form. Other
// inputs are returned unchanged.
func ChecksumAddress(addr string) string {
	if !strings.HasPrefix(addr, "0x") || len(addr) != 42 {
		return addr
	}
	lower := strings.ToLower(addr[2:])
	if _, err := hex.DecodeString(lower); err != nil {
		return addr
	}

	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := h.Sum(nil)

	out := []byte(lower)
	for i, c := range out {
		if c < 'a' || c > 'f' {
			continue
		}
		nibble := digest[i/2]
		if i%2 == 0 {
			nibble >>= 4
		}
		if nibble&0x0f >= 8 {
			out[i] = c - 'a' + 'A'
		}
	}
	return "0x" + string(out)
}

func validateDID(did string) error {
	if !didRegex.MatchString(did) {
		return ErrMalformedParticipant
	}
	return nil
}

func isMixedCase(s string) bool {
	return strings.ToLower(s) != s && strings.ToUpper(s) != s
}
