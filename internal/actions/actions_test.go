package actions

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-concierge/internal/audit"
	"github.com/basket/go-concierge/internal/billing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		service, function string
		want              Kind
	}{
		{"BILLING", "lookup", KindBillingQuery},
		{"billing", "QUERY_INVOICES", KindBillingQuery},
		{"FACTURACION", "consultar_facturas", KindBillingQuery},
		{"Facturación", "descargar_documento", KindBillingDownload},
		{"BILLING", "crear_factura", KindBillingCreate},
		{"BILLING", "delete_everything", KindUnrecognized},
		{"WHATSAPP", "", KindReply},
		{" reply ", "anything", KindReply},
		{"WEATHER", "forecast", KindUnrecognized},
		{"", "", KindUnrecognized},
	}
	for _, tc := range tests {
		t.Run(tc.service+"/"+tc.function, func(t *testing.T) {
			a := Parse(tc.service, tc.function, nil)
			if a.Kind != tc.want {
				t.Fatalf("kind = %v, want %v", a.Kind, tc.want)
			}
			if a.Params == nil {
				t.Fatal("params should never be nil")
			}
			if a.Terminal() != (tc.want == KindReply) {
				t.Fatalf("terminal = %v", a.Terminal())
			}
		})
	}
}

func TestStringParam(t *testing.T) {
	a := Parse("BILLING", "download_document", map[string]any{
		"id":     float64(42),
		"format": " xml ",
		"rate":   1.5,
		"empty":  nil,
	})
	if a.StringParam("id") != "42" || a.StringParam("format") != "xml" || a.StringParam("rate") != "1.5" {
		t.Fatalf("params = %q %q %q", a.StringParam("id"), a.StringParam("format"), a.StringParam("rate"))
	}
	if a.StringParam("empty") != "" || a.StringParam("missing") != "" {
		t.Fatal("absent params should be empty")
	}
	if a.FirstParam("invoice_id", "id") != "42" {
		t.Fatalf("first param = %q", a.FirstParam("invoice_id", "id"))
	}
}

type fakeBilling struct {
	queried   map[string]any
	download  [3]string
	createErr error
}

func (f *fakeBilling) QueryInvoices(_ context.Context, params map[string]any) (any, error) {
	f.queried = params
	return []any{map[string]any{"Id": "inv-1"}}, nil
}

func (f *fakeBilling) DownloadDocument(_ context.Context, id, format, kind string) (*billing.Document, error) {
	f.download = [3]string{id, format, kind}
	return &billing.Document{Filename: id + ".pdf", ContentType: "application/pdf", Data: []byte("%PDF")}, nil
}

func (f *fakeBilling) CreateInvoice(context.Context, map[string]any) (any, error) {
	return nil, f.createErr
}

func TestExecute_Billing(t *testing.T) {
	home := t.TempDir()
	trail, err := audit.Open(home)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	defer trail.Close()

	fb := &fakeBilling{createErr: &billing.APIError{StatusCode: 500, Body: "boom"}}
	x := NewExecutor(fb, WithAudit(trail))
	ctx := context.Background()

	res, err := x.Execute(ctx, Parse("BILLING", "lookup", map[string]any{"rfc": "ABC"}))
	if err != nil || fb.queried["rfc"] != "ABC" || res.Content == nil {
		t.Fatalf("query: res=%+v err=%v", res, err)
	}

	res, err = x.Execute(ctx, Parse("FACTURACION", "descargar_documento", map[string]any{"id": "inv-1", "format": "pdf", "type": "issued"}))
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if res.File == nil || res.File.Filename != "inv-1.pdf" || fb.download != [3]string{"inv-1", "pdf", "issued"} {
		t.Fatalf("download result = %+v args=%v", res, fb.download)
	}

	_, err = x.Execute(ctx, Parse("BILLING", "create_invoice", nil))
	var apiErr *billing.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("create err = %v", err)
	}
	if trail.Failures() != 1 {
		t.Fatalf("audit failures = %d", trail.Failures())
	}
	raw, _ := os.ReadFile(filepath.Join(home, "logs", "actions.jsonl"))
	if got := strings.Count(string(raw), "\n"); got != 3 {
		t.Fatalf("audit lines = %d, want 3", got)
	}
}

func TestExecute_UnrecognizedAndTerminal(t *testing.T) {
	x := NewExecutor(&fakeBilling{})
	_, err := x.Execute(context.Background(), Parse("WEATHER", "forecast", nil))
	if !errors.Is(err, ErrUnrecognized) || !strings.Contains(err.Error(), "WEATHER") {
		t.Fatalf("err = %v", err)
	}
	if _, err := x.Execute(context.Background(), Parse("REPLY", "", nil)); !errors.Is(err, ErrTerminal) {
		t.Fatalf("terminal err = %v", err)
	}
}

func TestExecute_NoBilling(t *testing.T) {
	x := NewExecutor(nil)
	if _, err := x.Execute(context.Background(), Parse("BILLING", "lookup", nil)); !errors.Is(err, billing.ErrNotConfigured) {
		t.Fatalf("err = %v", err)
	}
}
