package record

import (
	"errors"
	"sync"
)

// ErrStreamClosed is returned when sending to a stream after its sentinel.
var ErrStreamClosed = errors.New("stream already received its sentinel")

// Item is one delivery on a Stream: either a record or the end-of-stream
// sentinel.
type Item struct {
	Record *Record
	Last   bool
}

// Data wraps a record into an Item.
func Data(r *Record) Item { return Item{Record: r} }

// End returns the end-of-stream sentinel.
func End() Item { return Item{Last: true} }

// IsLast returns true for the sentinel.
func (i Item) IsLast() bool { return i.Last }

// Stream receives the items of one record stream.
type Stream interface {
	Send(Item) error
}

// StreamFunc adapts a function into a Stream.
type StreamFunc func(Item) error

func (f StreamFunc) Send(item Item) error { return f(item) }

// CollectingStream is a stream that collects records in memory.
type CollectingStream struct {
	mu      sync.Mutex
	records []*Record
	ended   int
}

func (cs *CollectingStream) Send(item Item) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if item.Last {
		cs.ended++
		return nil
	}
	cs.records = append(cs.records, item.Record)
	return nil
}

// Records returns the records received so far.
func (cs *CollectingStream) Records() []*Record {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]*Record, len(cs.records))
	copy(out, cs.records)
	return out
}

// Ended returns the number of sentinels received.
func (cs *CollectingStream) Ended() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.ended
}

// WrappedStream wraps another stream and runs a processor on each record
// item before passing it on. Sentinels bypass the processor. A processor
// returning a nil record drops the item.
type WrappedStream struct {
	Stream
	Processor func(rec *Record) (*Record, error)
}

func (ws *WrappedStream) Send(item Item) error {
	if ws.Processor == nil || item.Last {
		return ws.Stream.Send(item)
	}

	processed, err := ws.Processor(item.Record)
	if err != nil {
		return err
	}
	if processed == nil {
		return nil
	}
	return ws.Stream.Send(Data(processed))
}

// SendAll sends every record followed by the sentinel.
func SendAll(s Stream, recs ...*Record) error {
	for _, r := range recs {
		if err := s.Send(Data(r)); err != nil {
			return err
		}
	}
	return s.Send(End())
}
