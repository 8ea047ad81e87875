package spanz

import (
	"context"
	"errors"
	"fmt"
)

// Exporter receives ended spans. The Tracer calls Export with spans whose
// sampling decision allowed export; an error affects only that call.
// Implementations must be safe for concurrent use.
type Exporter interface {
	Export(ctx context.Context, spans []Span) error
}

// Flusher is implemented by exporters that buffer spans.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Shutdowner is implemented by exporters holding resources.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// ExporterFunc adapts a function to the Exporter interface.
type ExporterFunc func(ctx context.Context, spans []Span) error

// Export calls f.
func (f ExporterFunc) Export(ctx context.Context, spans []Span) error {
	return f(ctx, spans)
}

// ExportError describes a failed export call.
type ExportError struct {
	Err   error
	Spans int
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("spanz: export of %d span(s) failed: %v", e.Spans, e.Err)
}

func (e *ExportError) Unwrap() error {
	return e.Err
}

type multiExporter []Exporter

// MultiExporter fans spans out to several exporters. One failing exporter
// does not keep the others from receiving the batch.
func MultiExporter(exporters ...Exporter) Exporter {
	out := make(multiExporter, 0, len(exporters))
	for _, e := range exporters {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

func (m multiExporter) Export(ctx context.Context, spans []Span) error {
	var errs []error
	for _, e := range m {
		if err := e.Export(ctx, spans); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multiExporter) Flush(ctx context.Context) error {
	var errs []error
	for _, e := range m {
		if f, ok := e.(Flusher); ok {
			errs = append(errs, f.Flush(ctx))
		}
	}
	return errors.Join(errs...)
}

func (m multiExporter) Shutdown(ctx context.Context) error {
	var errs []error
	for _, e := range m {
		if s, ok := e.(Shutdowner); ok {
			errs = append(errs, s.Shutdown(ctx))
		}
	}
	return errors.Join(errs...)
}
