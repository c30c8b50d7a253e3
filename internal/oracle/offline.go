package oracle

import (
	"strings"

	"github.com/basket/go-concierge/internal/history"
	"github.com/basket/go-concierge/internal/tokenutil"
)

var (
	invoiceWords  = []string{"invoice", "factura", "cfdi", "billing"}
	downloadWords = []string{"download", "descarga", "pdf", "xml"}
)

// offlineDecide is the keyword planner used when no model is configured.
// It runs at most one billing query per user turn and then replies.
func offlineDecide(conv history.Conversation) *PlanStep {
	if len(conv) == 0 {
		return &PlanStep{Service: "REPLY", Params: map[string]any{}}
	}
	last := conv[len(conv)-1]
	if last.Role != history.RoleUser {
		return &PlanStep{Service: "REPLY", Params: map[string]any{}}
	}
	text := strings.ToLower(last.Content)
	if !containsAny(text, invoiceWords) {
		return &PlanStep{Service: "REPLY", Params: map[string]any{}}
	}
	if containsAny(text, downloadWords) {
		for _, field := range strings.Fields(last.Content) {
			if id, ok := invoiceID(field); ok {
				format := "pdf"
				if strings.Contains(text, "xml") {
					format = "xml"
				}
				return &PlanStep{Service: "BILLING", Function: "download_document", Params: map[string]any{
					"id": id, "format": format, "type": "issued",
				}}
			}
		}
	}
	return &PlanStep{Service: "BILLING", Function: "query_invoices", Params: map[string]any{"type": "issued"}}
}

func offlineRender(conv history.Conversation) string {
	for i := len(conv) - 1; i >= 0; i-- {
		e := conv[i]
		if e.Role == history.RoleUser {
			break
		}
		if e.Role == history.RoleTool {
			return "Here is what I found: " + tokenutil.Truncate(e.Content, 300)
		}
	}
	return "I can look up, download or create invoices for you. What do you need?"
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// invoiceID accepts tokens mixing letters and digits with at least 6 chars,
// the shape of invoice ids.
func invoiceID(s string) (string, bool) {
	s = strings.Trim(s, ".,;:!?\"'")
	if len(s) < 6 {
		return "", false
	}
	var letters, digits bool
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits = true
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			letters = true
		case r == '-' || r == '_':
		default:
			return "", false
		}
	}
	return s, letters && digits
}
