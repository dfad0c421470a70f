package ingest

import (
	"strings"

	"github.com/chatlens/chatlens/internal/export"
)

// ResolveIdentities makes a single pass over the document's records and
// collects every actor identity referenced anywhere: message authors,
// service-event actors, and each reactor sighting.
//
// Per identity, the last non-identity display name in document order wins;
// a name literally equal to the id never replaces one that isn't. Identities
// seen only under their own id resolve to the id itself.
func ResolveIdentities(messages []export.Message) map[string]string {
	resolved := make(map[string]string)
	add := func(fromID, displayName string) {
		id := strings.TrimSpace(fromID)
		if id == "" {
			return
		}
		name := strings.TrimSpace(displayName)
		if name == "" {
			name = id
		}
		if _, seen := resolved[id]; !seen || name != id {
			resolved[id] = name
		}
	}

	for i := range messages {
		msg := &messages[i]
		add(msg.FromID, msg.From)
		add(msg.ActorID, msg.Actor)
		for _, group := range msg.Reactions {
			for _, sighting := range group.Recent {
				add(sighting.FromID, sighting.From)
			}
		}
	}
	return resolved
}
