package spanz

import (
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SamplingDecision says whether a span keeps its data and whether it is
// exported. Export implies Record.
type SamplingDecision struct {
	Record bool
	Export bool
}

var (
	// RecordAndExport keeps the span and exports it.
	RecordAndExport = SamplingDecision{Record: true, Export: true}
	// RecordOnly keeps the span in memory without exporting it.
	RecordOnly = SamplingDecision{Record: true}
	// Drop makes the span non-recording.
	Drop = SamplingDecision{}
)

// NewSamplingDecision builds a decision, forcing Record when Export is set.
func NewSamplingDecision(record, export bool) SamplingDecision {
	return SamplingDecision{Record: record || export, Export: export}
}

// SamplingParameters are the inputs to a sampling decision.
type SamplingParameters struct {
	Parent     TraceContext
	Name       string
	Attributes []attribute.KeyValue
	TraceID    trace.TraceID
}

// Sampler decides whether a new span records and exports. Implementations
// must be pure: equal parameters give equal decisions.
type Sampler interface {
	ShouldSample(p SamplingParameters) SamplingDecision
	Description() string
}

type alwaysOnSampler struct{}

func (alwaysOnSampler) ShouldSample(SamplingParameters) SamplingDecision { return RecordAndExport }
func (alwaysOnSampler) Description() string                             { return "AlwaysOn" }

type alwaysOffSampler struct{}

func (alwaysOffSampler) ShouldSample(SamplingParameters) SamplingDecision { return Drop }
func (alwaysOffSampler) Description() string                             { return "AlwaysOff" }

// AlwaysOn records and exports every span.
func AlwaysOn() Sampler { return alwaysOnSampler{} }

// AlwaysOff drops every span.
func AlwaysOff() Sampler { return alwaysOffSampler{} }

// twoTo64 is the size of the xxhash output space.
const twoTo64 = 1 << 64

type ratioSampler struct {
	description string
	threshold   uint64
}

// Ratio samples a fraction p of traces. The decision hashes the trace ID, so
// every process handling the same trace reaches the same answer. p is
// clamped to [0, 1].
func Ratio(p float64) Sampler {
	switch {
	case math.IsNaN(p) || p <= 0:
		return AlwaysOff()
	case p >= 1:
		return AlwaysOn()
	}

	return ratioSampler{
		threshold:   uint64(p * twoTo64),
		description: fmt.Sprintf("Ratio{%g}", p),
	}
}

func (s ratioSampler) ShouldSample(p SamplingParameters) SamplingDecision {
	if xxhash.Sum64(p.TraceID[:]) < s.threshold {
		return RecordAndExport
	}
	return Drop
}

func (s ratioSampler) Description() string { return s.description }

type parentBasedSampler struct {
	root Sampler
}

// ParentBased follows the sampled flag of a valid parent and defers to root
// for new traces.
func ParentBased(root Sampler) Sampler {
	if root == nil {
		root = AlwaysOn()
	}
	return parentBasedSampler{root: root}
}

func (s parentBasedSampler) ShouldSample(p SamplingParameters) SamplingDecision {
	if p.Parent.IsValid() {
		if p.Parent.IsSampled() {
			return RecordAndExport
		}
		return Drop
	}
	return s.root.ShouldSample(p)
}

func (s parentBasedSampler) Description() string {
	return "ParentBased{root:" + s.root.Description() + "}"
}
