package history

import (
	"strings"
	"testing"
)

func TestConversation_WithDoesNotAlias(t *testing.T) {
	base := make(Conversation, 1, 4)
	base[0] = Entry{Role: RoleUser, Content: "a"}
	left := base.With(Entry{Role: RoleAssistant, Content: "b"})
	right := base.With(Entry{Role: RoleAssistant, Content: "c"})
	if left[1].Content != "b" || right[1].Content != "c" {
		t.Fatalf("appends aliased: left=%v right=%v", left, right)
	}
	if len(base) != 1 {
		t.Fatalf("receiver mutated: %v", base)
	}
}

func TestConversation_PendingArtifactIsMostRecent(t *testing.T) {
	c := Conversation{
		{Role: RoleTool, Content: "old", Artifact: &ArtifactRef{ID: "a1", Filename: "old.pdf"}},
		{Role: RoleUser, Content: "again"},
		{Role: RoleTool, Content: "new", Artifact: &ArtifactRef{ID: "a2", Filename: "new.pdf"}},
	}
	ref, ok := c.PendingArtifact()
	if !ok || ref.ID != "a2" {
		t.Fatalf("pending = %+v ok=%v, want a2", ref, ok)
	}

	claimed := c.ClaimArtifact("a2")
	if c[2].Artifact == nil {
		t.Fatal("ClaimArtifact mutated receiver")
	}
	ref, ok = claimed.PendingArtifact()
	if !ok || ref.ID != "a1" {
		t.Fatalf("after claim pending = %+v ok=%v, want a1", ref, ok)
	}
	if _, ok := claimed.ClaimArtifact("a1").PendingArtifact(); ok {
		t.Fatal("expected no pending artifact after claiming all")
	}
}

func TestConversation_ProjectRolesAndBudget(t *testing.T) {
	c := Conversation{
		{Role: RoleSystem, Content: "rules"},
		{Role: RoleUser, Content: strings.Repeat("word ", 200)},
		{Role: RoleTool, Content: `{"total":3}`},
		{Role: RoleAssistant, Content: "done"},
	}
	all := c.Project(0)
	if len(all) != 4 {
		t.Fatalf("len = %d, want 4", len(all))
	}
	if all[2].Role != RoleUser || !strings.HasPrefix(all[2].Content, "[tool result] ") {
		t.Fatalf("tool entry projected as %+v", all[2])
	}
	if all[0].Role != RoleSystem || all[3].Role != RoleAssistant {
		t.Fatalf("roles not preserved: %+v", all)
	}

	trimmed := c.Project(20)
	if len(trimmed) != 2 || trimmed[1].Content != "done" {
		t.Fatalf("trimmed projection = %+v", trimmed)
	}

	tiny := c.Project(1)
	if len(tiny) != 1 || tiny[0].Content != "done" {
		t.Fatalf("newest message must survive, got %+v", tiny)
	}
}

func TestParseRole(t *testing.T) {
	if r, err := ParseRole(" Assistant "); err != nil || r != RoleAssistant {
		t.Fatalf("ParseRole = %q, %v", r, err)
	}
	if _, err := ParseRole("api-document"); err == nil {
		t.Fatal("expected error for unknown role")
	}
}
