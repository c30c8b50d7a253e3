package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/go-concierge/internal/event"
	"github.com/basket/go-concierge/internal/history"
	"github.com/basket/go-concierge/internal/otel"
	"github.com/basket/go-concierge/internal/shared"
)

// FileProcessor hands inbound files to the document service and records the
// outcome in history. Files never enter the orchestration loop.
type FileProcessor struct {
	history HistoryStore
	docs    DocumentProcessor
	opts    options
}

func NewFileProcessor(h HistoryStore, docs DocumentProcessor, opts ...Option) *FileProcessor {
	return &FileProcessor{history: h, docs: docs, opts: buildOptions(opts)}
}

func (p *FileProcessor) Process(ctx context.Context, identity string, f *event.File) error {
	if f == nil {
		return fmt.Errorf("file event without payload")
	}
	ctx, span := otel.StartClientSpan(ctx, p.opts.tracer, "documents.process",
		otel.AttrIdentity.String(identity),
		otel.AttrKind.String(string(event.KindFile)),
	)
	start := time.Now()

	record := map[string]any{"processed_file": f.Filename}
	var err error
	if p.docs == nil {
		err = fmt.Errorf("document processing not configured")
	} else {
		var result any
		result, err = p.docs.Process(ctx, f.Filename, f.Data)
		record["result"] = result
	}
	if err != nil {
		delete(record, "result")
		record["error"] = err.Error()
		p.opts.logger.Warn("document processing failed", append(shared.LogAttrs(ctx), "filename", f.Filename, "error", err)...)
	} else {
		p.opts.logger.Info("document processed", append(shared.LogAttrs(ctx), "filename", f.Filename, "bytes", len(f.Data), "duration_ms", time.Since(start).Milliseconds())...)
	}
	otel.EndSpan(span, err)

	if _, herr := p.history.AppendHistory(ctx, identity, history.Structured(history.RoleTool, record)); herr != nil {
		return fmt.Errorf("append file result: %w", herr)
	}
	return nil
}

// Dispatcher routes dequeued events: text to the loop, files to the
// document processor.
type Dispatcher struct {
	loop  *Loop
	files *FileProcessor
}

func NewDispatcher(loop *Loop, files *FileProcessor) *Dispatcher {
	return &Dispatcher{loop: loop, files: files}
}

func (d *Dispatcher) Process(ctx context.Context, identity string, ev event.Event) error {
	switch ev.Kind {
	case event.KindText:
		_, err := d.loop.Run(ctx, identity, ev.Text)
		return err
	case event.KindFile:
		return d.files.Process(ctx, identity, ev.File)
	default:
		return fmt.Errorf("%w: %q", event.ErrUnknownKind, ev.Kind)
	}
}
