// Package history models the per-identity conversation used as oracle context.
package history

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/go-concierge/internal/tokenutil"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ParseRole normalizes a stored role. Unknown roles are rejected.
func ParseRole(raw string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(raw))); r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return r, nil
	default:
		return "", fmt.Errorf("invalid role %q", raw)
	}
}

// ArtifactRef points at a file held in the artifact store that has not been
// delivered to the user yet.
type ArtifactRef struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
}

// Entry is one conversation turn.
type Entry struct {
	Role     Role         `json:"role"`
	Content  string       `json:"content"`
	Artifact *ArtifactRef `json:"artifact,omitempty"`
}

// Structured builds an entry whose content is the JSON encoding of v.
func Structured(role Role, v any) Entry {
	b, err := json.Marshal(v)
	if err != nil {
		return Entry{Role: role, Content: fmt.Sprintf("%v", v)}
	}
	return Entry{Role: role, Content: string(b)}
}

// Conversation is an ordered, append-only list of entries. Methods never
// mutate the receiver; the loop threads the returned value explicitly.
type Conversation []Entry

// With returns a copy of c with e appended.
func (c Conversation) With(e Entry) Conversation {
	out := make(Conversation, 0, len(c)+1)
	out = append(out, c...)
	return append(out, e)
}

// PendingArtifact returns the most recent unclaimed artifact reference.
func (c Conversation) PendingArtifact() (ArtifactRef, bool) {
	for i := len(c) - 1; i >= 0; i-- {
		if ref := c[i].Artifact; ref != nil && ref.ID != "" {
			return *ref, true
		}
	}
	return ArtifactRef{}, false
}

// ClaimArtifact returns a copy of c with every reference to id cleared.
func (c Conversation) ClaimArtifact(id string) Conversation {
	out := make(Conversation, len(c))
	copy(out, c)
	for i := range out {
		if out[i].Artifact != nil && out[i].Artifact.ID == id {
			out[i].Artifact = nil
		}
	}
	return out
}

// Message is the oracle-facing projection of an entry.
type Message struct {
	Role    Role
	Content string
}

// Project converts the conversation into oracle context. Tool entries are
// presented as user turns. When maxTokens > 0 the oldest messages are dropped
// until the estimate fits; the newest message is always kept.
func (c Conversation) Project(maxTokens int) []Message {
	msgs := make([]Message, 0, len(c))
	for _, e := range c {
		content := e.Content
		if e.Artifact != nil {
			content = fmt.Sprintf("%s\n[pending file: %s]", content, e.Artifact.Filename)
		}
		role := RoleUser
		switch e.Role {
		case RoleAssistant, RoleSystem:
			role = e.Role
		case RoleTool:
			content = "[tool result] " + content
		}
		msgs = append(msgs, Message{Role: role, Content: content})
	}
	if maxTokens <= 0 {
		return msgs
	}
	total := 0
	start := len(msgs)
	for start > 0 {
		cost := tokenutil.EstimateTokens(msgs[start-1].Content)
		if total+cost > maxTokens && start < len(msgs) {
			break
		}
		total += cost
		start--
	}
	return msgs[start:]
}
