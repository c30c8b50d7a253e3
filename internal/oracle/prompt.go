package oracle

import (
	"fmt"
	"strings"
)

const decisionInstructions = `You are the router of a messaging assistant. Today is %s.
Read the conversation and answer with ONE JSON object describing the next step:
{"service": "...", "function": "...", "params": {...}}

Services:
- BILLING: invoice operations.
  - query_invoices: list invoices. Optional params: type (issued|received|payroll), folioStart, folioEnd,
    rfc, dateStart, dateEnd (ISO 8601), status (all|active|canceled|pending).
  - download_document: fetch an invoice file. Required params: id, format (pdf|xml), type (issued|received|payroll).
  - create_invoice: create an invoice. params is the invoice payload.
- REPLY: answer the user and finish. Optional params: message (text sent alongside a downloaded file).

Choose REPLY once the conversation holds enough information to answer.
Tool results appear as user turns prefixed with "[tool result]".
Answer with JSON only.`

const renderInstructions = `You are a messaging assistant that helps customers with their invoices. Today is %s.
Write a short, friendly and clear reply to the user's latest request using the tool results in the
conversation. Reply in the user's language. Plain text only.`

func (o *GenkitOracle) decisionPrompt() string {
	base := fmt.Sprintf(decisionInstructions, o.now().Format("2006-01-02"))
	if extra := strings.TrimSpace(o.operatorPrompt()); extra != "" {
		base += "\n\n" + extra
	}
	return base
}

func (o *GenkitOracle) renderPrompt() string {
	base := fmt.Sprintf(renderInstructions, o.now().Format("2006-01-02"))
	if extra := strings.TrimSpace(o.operatorPrompt()); extra != "" {
		base += "\n\n" + extra
	}
	return base
}
