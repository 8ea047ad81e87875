// Package logexport writes ended spans as structured zap log entries.
package logexport

import (
	"context"

	"github.com/zoobzio/spanz"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Message is the log message used for every span entry.
const Message = "span"

// Exporter logs spans. Spans with Error status are logged at warn level,
// everything else at info.
type Exporter struct {
	logger *zap.Logger
}

// New creates an Exporter writing to logger.
func New(logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{logger: logger}
}

// Export implements spanz.Exporter.
func (e *Exporter) Export(_ context.Context, spans []spanz.Span) error {
	for i := range spans {
		level := zapcore.InfoLevel
		if spans[i].Status.Code == codes.Error {
			level = zapcore.WarnLevel
		}
		if ce := e.logger.Check(level, Message); ce != nil {
			ce.Write(zap.Object("span", spanObject(spans[i])))
		}
	}
	return nil
}

// Flush syncs the logger.
func (e *Exporter) Flush(context.Context) error {
	// Sync on stderr fails on some platforms; that is not an export failure.
	_ = e.logger.Sync()
	return nil
}

type spanObject spanz.Span

func (s spanObject) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("name", s.Name)
	enc.AddString("trace_id", s.TraceID.String())
	enc.AddString("span_id", s.SpanID.String())
	if s.ParentID.IsValid() {
		enc.AddString("parent_id", s.ParentID.String())
	}
	enc.AddTime("start", s.StartTime)
	enc.AddDuration("duration", s.Duration)
	enc.AddString("status", s.Status.Code.String())
	if s.Status.Description != "" {
		enc.AddString("status_description", s.Status.Description)
	}

	if len(s.Attributes) > 0 {
		if err := enc.AddObject("attributes", attributeMap(s.Attributes)); err != nil {
			return err
		}
	}
	if len(s.Baggage) > 0 {
		if err := enc.AddObject("baggage", baggageObject(s.Baggage)); err != nil {
			return err
		}
	}
	if len(s.Events) > 0 {
		if err := enc.AddArray("events", eventArray(s.Events)); err != nil {
			return err
		}
	}
	if len(s.Exceptions) > 0 {
		if err := enc.AddArray("exceptions", exceptionArray(s.Exceptions)); err != nil {
			return err
		}
	}
	return nil
}

type attributeMap map[string]attribute.Value

func (m attributeMap) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	for k, v := range m {
		addValue(enc, k, v)
	}
	return nil
}

type attributeList []attribute.KeyValue

func (l attributeList) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	for _, kv := range l {
		addValue(enc, string(kv.Key), kv.Value)
	}
	return nil
}

func addValue(enc zapcore.ObjectEncoder, key string, v attribute.Value) {
	switch v.Type() {
	case attribute.BOOL:
		enc.AddBool(key, v.AsBool())
	case attribute.INT64:
		enc.AddInt64(key, v.AsInt64())
	case attribute.FLOAT64:
		enc.AddFloat64(key, v.AsFloat64())
	case attribute.STRING:
		enc.AddString(key, v.AsString())
	default:
		enc.AddString(key, v.Emit())
	}
}

type baggageObject []spanz.BaggageEntry

func (b baggageObject) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	for _, e := range b {
		enc.AddString(e.Key, e.Value)
	}
	return nil
}

type eventArray []spanz.Event

func (a eventArray) MarshalLogArray(enc zapcore.ArrayEncoder) error {
	for _, ev := range a {
		ev := ev
		err := enc.AppendObject(zapcore.ObjectMarshalerFunc(func(oe zapcore.ObjectEncoder) error {
			oe.AddString("name", ev.Name)
			oe.AddTime("time", ev.Time)
			if len(ev.Attributes) > 0 {
				return oe.AddObject("attributes", attributeList(ev.Attributes))
			}
			return nil
		}))
		if err != nil {
			return err
		}
	}
	return nil
}

type exceptionArray []spanz.Exception

func (a exceptionArray) MarshalLogArray(enc zapcore.ArrayEncoder) error {
	for _, ex := range a {
		ex := ex
		err := enc.AppendObject(zapcore.ObjectMarshalerFunc(func(oe zapcore.ObjectEncoder) error {
			oe.AddString("type", ex.Type)
			oe.AddString("message", ex.Message)
			oe.AddBool("escaped", ex.Escaped)
			oe.AddString("stacktrace", ex.Stacktrace)
			if len(ex.Attributes) > 0 {
				return oe.AddObject("attributes", attributeList(ex.Attributes))
			}
			return nil
		}))
		if err != nil {
			return err
		}
	}
	return nil
}
