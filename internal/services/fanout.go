package services

import (
	"context"
	"sync"

	"github.com/invoxa/invoiceflow/internal/models"
)

// ResultSink is one consumer's view of a fanned-out result stream. The
// fanout stage is the sole writer to Items; a consumer that stops early must
// call Close so the fanout skips it for subsequent items.
type ResultSink struct {
	items chan models.ExtractionResult

	errOnce sync.Once
	err     error

	closeOnce sync.Once
	done      chan struct{}
}

func newResultSink(buffer int) *ResultSink {
	return &ResultSink{
		items: make(chan models.ExtractionResult, buffer),
		done:  make(chan struct{}),
	}
}

// Items is the sink's receive channel. It is closed when the source is
// exhausted, errors, or the sink was closed.
func (s *ResultSink) Items() <-chan models.ExtractionResult {
	return s.items
}

// Close unsubscribes the sink. Items already buffered may still be read;
// nothing further is delivered.
func (s *ResultSink) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Err reports a source-side failure. Only meaningful after Items is closed.
func (s *ResultSink) Err() error {
	return s.err
}

func (s *ResultSink) setErr(err error) {
	s.errOnce.Do(func() { s.err = err })
}

// StreamFanout broadcasts one result sequence to N independent sinks so
// storage is queried only once regardless of how many formats a batch
// requested.
type StreamFanout struct {
	sinks []*ResultSink
}

// NewStreamFanout creates a fanout with n sinks, each buffering up to
// buffer items ahead of its consumer.
func NewStreamFanout(n, buffer int) *StreamFanout {
	sinks := make([]*ResultSink, n)
	for i := range sinks {
		sinks[i] = newResultSink(buffer)
	}
	return &StreamFanout{sinks: sinks}
}

func (f *StreamFanout) Sinks() []*ResultSink {
	return f.sinks
}

// Run pulls the iterator to exhaustion, pushing each item into every open
// sink. A closed sink is skipped without aborting the others; a source error
// is recorded on every open sink and ends the run. Run always closes every
// sink's channel before returning.
func (f *StreamFanout) Run(ctx context.Context, it *ResultIterator) error {
	open := make([]bool, len(f.sinks))
	for i := range open {
		open[i] = true
	}
	defer func() {
		for _, s := range f.sinks {
			close(s.items)
		}
	}()

	for {
		item, ok, err := it.Next(ctx)
		if err != nil {
			for i, s := range f.sinks {
				if open[i] {
					s.setErr(err)
				}
			}
			return err
		}
		if !ok {
			return nil
		}
		for i, s := range f.sinks {
			if !open[i] {
				continue
			}
			select {
			case s.items <- item:
			case <-s.done:
				open[i] = false
			case <-ctx.Done():
				for j, t := range f.sinks {
					if open[j] {
						t.setErr(ctx.Err())
					}
				}
				return ctx.Err()
			}
		}
	}
}
