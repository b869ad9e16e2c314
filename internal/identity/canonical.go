// Package identity turns participant identifiers into conversation keys.
//
// PairOrdering is the fixed convention every client uses to derive a
// two-party key without talking to the other side:
//
//   - ids of different kinds: the chain address goes first;
//   - ids of the same kind: ascending lexicographic order.
//
// The two values are joined with Separator.
package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vedran77/chatsync/internal/domain"
)

const Separator = "_"

var (
	ErrSelfConversation     = errors.New("cannot start a conversation with yourself")
	ErrMalformedParticipant = errors.New("malformed participant id")
)

// IdentityError is returned for pairs that can never form a conversation.
type IdentityError struct {
	A, B string
	Err  error
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("identity: %v (%q, %q)", e.Err, e.A, e.B)
}

func (e *IdentityError) Unwrap() error {
	return e.Err
}

// CanonicalKey derives the order-independent key for the pair (a, b).
func CanonicalKey(a, b domain.ParticipantID) (string, error) {
	if err := checkParticipant(a); err != nil {
		return "", &IdentityError{A: a.Value, B: b.Value, Err: err}
	}
	if err := checkParticipant(b); err != nil {
		return "", &IdentityError{A: a.Value, B: b.Value, Err: err}
	}
	if a == b {
		return "", &IdentityError{A: a.Value, B: b.Value, Err: ErrSelfConversation}
	}

	first, second := a, b
	if a.Kind != b.Kind {
		if b.Kind == domain.KindChainAddress {
			first, second = b, a
		}
	} else if b.Value < a.Value {
		first, second = b, a
	}
	return first.Value + Separator + second.Value, nil
}

// KeyFor picks the local id that matches the peer's kind (falling back to the
// primary id) and derives the key for the pair.
func KeyFor(self domain.Identity, peer domain.ParticipantID) (string, error) {
	local, ok := self.OfKind(peer.Kind)
	if !ok {
		local = self.Primary()
	}
	return CanonicalKey(local, peer)
}

// Split returns the two participants encoded in a pair key. ok is false for
// keys that are not pair keys, such as group ids.
func Split(key string) (a, b domain.ParticipantID, ok bool) {
	idx := splitIndex(key)
	if idx <= 0 || idx >= len(key)-len(Separator) {
		return a, b, false
	}
	a = domain.ParseParticipantID(key[:idx])
	b = domain.ParseParticipantID(key[idx+len(Separator):])
	return a, b, true
}

// Normalize repairs keys built out of order by older clients or partial data.
// Anything that does not decode into two distinct participants is returned
// as is, so Normalize(Normalize(k)) == Normalize(k).
func Normalize(key string) string {
	a, b, ok := Split(key)
	if !ok {
		return key
	}
	canonical, err := CanonicalKey(a, b)
	if err != nil {
		return key
	}
	return canonical
}

// Peer returns the participant of the pair key that is not the local user.
func Peer(self domain.Identity, key string) (domain.ParticipantID, bool) {
	a, b, ok := Split(key)
	if !ok {
		return domain.ParticipantID{}, false
	}
	switch {
	case self.Owns(a.Value) && !self.Owns(b.Value):
		return b, true
	case self.Owns(b.Value) && !self.Owns(a.Value):
		return a, true
	}
	return domain.ParticipantID{}, false
}

func splitIndex(key string) int {
	if idx := strings.Index(key, Separator+"did:"); idx >= 0 {
		return idx
	}
	// A leading did may itself contain the separator, chain addresses never do.
	if strings.HasPrefix(key, "did:") {
		return strings.LastIndex(key, Separator)
	}
	return strings.Index(key, Separator)
}

func checkParticipant(p domain.ParticipantID) error {
	switch p.Kind {
	case domain.KindChainAddress:
		return ValidateChainAddress(p.Value)
	case domain.KindDecentralizedID:
		return validateDID(p.Value)
	}
	return ErrMalformedParticipant
}

// Validate checks that p is a well-formed participant id of its kind.
func Validate(p domain.ParticipantID) error {
	if err := checkParticipant(p); err != nil {
		return &IdentityError{A: p.Value, Err: err}
	}
	return nil
}
