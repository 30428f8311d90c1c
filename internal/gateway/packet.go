package gateway

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/onelab/manifold/internal/logging"
	"github.com/onelab/manifold/pkg/query"
	"github.com/onelab/manifold/pkg/record"
)

// ErrPacketClosed is returned when sending through a closed packet.
var ErrPacketClosed = errors.New("packet already closed")

// Packet carries one query to one gateway invocation and the stream its
// records go back through. The stream receives exactly one sentinel.
type Packet struct {
	platform string
	query    *query.Query
	stream   record.Stream

	sent      atomic.Int64
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewPacket returns a packet delivering the records produced for q into
// stream.
func NewPacket(platform string, q *query.Query, stream record.Stream) *Packet {
	return &Packet{platform: platform, query: q, stream: stream}
}

// Platform is the name of the platform the packet was sent to.
func (p *Packet) Platform() string { return p.platform }

// Query returns the query, expressed in the platform's field names.
func (p *Packet) Query() *query.Query { return p.query }

// Annotations returns the query annotations.
func (p *Packet) Annotations() query.Annotations { return p.query.Annotations }

// IsEmpty returns true while no record has been sent.
func (p *Packet) IsEmpty() bool { return p.sent.Load() == 0 }

// IsLast returns true once the sentinel was sent.
func (p *Packet) IsLast() bool { return p.closed.Load() }

// Send delivers one record.
func (p *Packet) Send(rec *record.Record) error {
	if p.closed.Load() {
		return ErrPacketClosed
	}
	if rec.IsEmpty() {
		return nil
	}
	p.sent.Add(1)
	return p.stream.Send(record.Data(rec))
}

// Records delivers every record and then closes the packet.
func (p *Packet) Records(recs []*record.Record) {
	for _, rec := range recs {
		if err := p.Send(rec); err != nil {
			logging.Warn().Err(err).Str("platform", p.platform).Msg("dropping record")
			break
		}
	}
	p.Close()
}

// Fail delivers err as an error record and closes the packet.
func (p *Packet) Fail(err error) {
	gwErr := NewError(p.platform, err)
	if sendErr := p.Send(gwErr.ToRecord()); sendErr != nil {
		logging.Warn().Err(sendErr).Object("error", gwErr).Msg("dropping gateway error")
	}
	p.Close()
}

// Close sends the sentinel. Closing twice is a gateway bug: it is logged and
// no second sentinel is sent.
func (p *Packet) Close() {
	closedNow := false
	p.closeOnce.Do(func() {
		closedNow = true
		p.closed.Store(true)
		if err := p.stream.Send(record.End()); err != nil {
			logging.Warn().Err(err).Str("platform", p.platform).Msg("error sending sentinel")
		}
	})
	if !closedNow {
		logging.Error().Str("platform", p.platform).Msg("BUG: gateway closed its packet twice")
	}
}
