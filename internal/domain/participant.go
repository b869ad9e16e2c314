package domain

import "strings"

type ParticipantKind string

const (
	KindChainAddress    ParticipantKind = "chain_address"
	KindDecentralizedID ParticipantKind = "did"
)

const didPrefix = "did:"

// ParticipantID is a stable identifier for a chat user. Two ids are equal
// only if both the kind and the value match exactly.
type ParticipantID struct {
	Kind  ParticipantKind `json:"kind"`
	Value string          `json:"value"`
}

// ParseParticipantID infers the kind from the value: "did:" prefixed strings
// are decentralized ids, everything else is treated as a chain address.
func ParseParticipantID(s string) ParticipantID {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, didPrefix) {
		return ParticipantID{Kind: KindDecentralizedID, Value: s}
	}
	return ParticipantID{Kind: KindChainAddress, Value: s}
}

func (p ParticipantID) String() string {
	return p.Value
}

func (p ParticipantID) IsZero() bool {
	return p.Value == ""
}

// Identity is the local user as supplied by the identity provider.
// The first participant id is the primary one.
type Identity struct {
	ParticipantIDs []ParticipantID `json:"participant_ids"`
	DisplayName    string          `json:"display_name,omitempty"`
	AvatarURL      *string         `json:"avatar_url,omitempty"`
}

func (i Identity) Primary() ParticipantID {
	if len(i.ParticipantIDs) == 0 {
		return ParticipantID{}
	}
	return i.ParticipantIDs[0]
}

// Owns reports whether the raw id belongs to the local user.
func (i Identity) Owns(id string) bool {
	for _, p := range i.ParticipantIDs {
		if p.Value == id {
			return true
		}
	}
	return false
}

// OfKind returns the local id of the given kind, if the user has one.
func (i Identity) OfKind(kind ParticipantKind) (ParticipantID, bool) {
	for _, p := range i.ParticipantIDs {
		if p.Kind == kind {
			return p, true
		}
	}
	return ParticipantID{}, false
}

type UserProfile struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"display_name,omitempty"`
	Username    string  `json:"username,omitempty"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
}
