package identity

import (
	"strings"

	"github.com/vedran77/chatsync/internal/domain"
)

const ellipsis = "…"

// ShortDisplay renders a participant id compactly for when no name is known.
func ShortDisplay(p domain.ParticipantID) string {
	switch p.Kind {
	case domain.KindChainAddress:
		if len(p.Value) <= 12 {
			return p.Value
		}
		return p.Value[:6] + ellipsis + p.Value[len(p.Value)-4:]

	case domain.KindDecentralizedID:
		// did:<method>:<id>
		parts := strings.SplitN(p.Value, ":", 3)
		if len(parts) != 3 || len(parts[2]) <= 12 {
			return p.Value
		}
		id := parts[2]
		return "did:" + parts[1] + ":" + id[:6] + ellipsis + id[len(id)-4:]
	}
	return p.Value
}
