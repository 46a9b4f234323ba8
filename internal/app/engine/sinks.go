package engine

import (
	"context"
	"errors"

	"github.com/reconpoint/engine/pkg/domain/scan"
)

// MultiSink fans each chunk out to every sink in order. A slow sink
// backpressures the producing stream, which is what keeps per-job
// ordering intact end to end.
type MultiSink struct {
	sinks []scan.ChunkSink
}

// NewMultiSink combines sinks; nil entries are dropped.
func NewMultiSink(sinks ...scan.ChunkSink) *MultiSink {
	out := make([]scan.ChunkSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &MultiSink{sinks: out}
}

// Publish delivers the chunk to every sink. All sinks are attempted
// even when one fails; the errors come back joined.
func (m *MultiSink) Publish(ctx context.Context, c scan.OutputChunk) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Publish(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
