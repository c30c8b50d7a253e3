// Package actions turns the oracle's free-form service/function names into a
// closed set of actions and runs them against the external services.
package actions

import (
	"fmt"
	"strings"
)

type Kind int

const (
	KindUnrecognized Kind = iota
	KindBillingQuery
	KindBillingDownload
	KindBillingCreate
	KindReply
)

func (k Kind) String() string {
	switch k {
	case KindBillingQuery:
		return "billing.query_invoices"
	case KindBillingDownload:
		return "billing.download_document"
	case KindBillingCreate:
		return "billing.create_invoice"
	case KindReply:
		return "reply"
	default:
		return "unrecognized"
	}
}

const (
	ServiceBilling = "BILLING"
	ServiceReply   = "REPLY"
)

var serviceAliases = map[string]string{
	"BILLING":     ServiceBilling,
	"FACTURACION": ServiceBilling,
	"FACTURACIÓN": ServiceBilling,
	"INVOICING":   ServiceBilling,
	"REPLY":       ServiceReply,
	"WHATSAPP":    ServiceReply,
	"RESPOND":     ServiceReply,
}

var billingFunctions = map[string]Kind{
	"query_invoices":      KindBillingQuery,
	"consultar_facturas":  KindBillingQuery,
	"lookup":              KindBillingQuery,
	"download_document":   KindBillingDownload,
	"descargar_documento": KindBillingDownload,
	"create_invoice":      KindBillingCreate,
	"crear_factura":       KindBillingCreate,
}

// Action is one parsed oracle decision. Service and Function keep the raw
// names for history and logs.
type Action struct {
	Kind     Kind
	Service  string
	Function string
	Params   map[string]any
}

// Parse maps service/function to an Action. Unknown pairs yield
// KindUnrecognized rather than an error.
func Parse(service, function string, params map[string]any) Action {
	a := Action{
		Kind:     KindUnrecognized,
		Service:  strings.TrimSpace(service),
		Function: strings.TrimSpace(function),
		Params:   params,
	}
	if a.Params == nil {
		a.Params = map[string]any{}
	}
	switch serviceAliases[strings.ToUpper(a.Service)] {
	case ServiceReply:
		a.Kind = KindReply
	case ServiceBilling:
		if k, ok := billingFunctions[strings.ToLower(a.Function)]; ok {
			a.Kind = k
		}
	}
	return a
}

// Terminal reports whether the action ends the orchestration loop.
func (a Action) Terminal() bool { return a.Kind == KindReply }

// Describe renders the action for logs and unrecognized-action results.
func (a Action) Describe() string {
	if a.Function == "" {
		return fmt.Sprintf("service %q", a.Service)
	}
	return fmt.Sprintf("service %q function %q", a.Service, a.Function)
}

// StringParam returns params[key] as a trimmed string, or "" when absent.
func (a Action) StringParam(key string) string {
	v, ok := a.Params[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprint(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// FirstParam returns the first non-empty string param among keys.
func (a Action) FirstParam(keys ...string) string {
	for _, k := range keys {
		if v := a.StringParam(k); v != "" {
			return v
		}
	}
	return ""
}
