package operators

import (
	"fmt"
	"sync"

	"github.com/onelab/manifold/internal/logging"
	"github.com/onelab/manifold/pkg/manifolderrors"
	"github.com/onelab/manifold/pkg/record"
)

// Join merges records of a right stream into the records of a left stream
// sharing the same value for one field.
//
// The right stream is buffered until its sentinel. Left records are held
// until then and afterwards processed as they come. A left record lacking
// the field is forwarded unchanged. A right record is merged at most once;
// right records never matched are dropped. The sentinel is sent once both
// inputs ended.
type Join struct {
	field string
	next  record.Stream

	mu        sync.Mutex
	right     map[string]*record.Record
	pending   []*record.Record
	rightDone bool
	leftDone  bool
	closed    bool
}

func NewJoin(field string, next record.Stream) *Join {
	return &Join{
		field: field,
		next:  next,
		right: map[string]*record.Record{},
	}
}

// Left returns the input for the records being enriched.
func (j *Join) Left() record.Stream { return record.StreamFunc(j.sendLeft) }

// Right returns the input for the records merged into the left ones.
func (j *Join) Right() record.Stream { return record.StreamFunc(j.sendRight) }

func (j *Join) sendLeft(item record.Item) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if item.Last {
		if j.leftDone {
			return manifolderrors.MustBugf("join on %q received two left sentinels", j.field)
		}
		j.leftDone = true
		return j.maybeClose()
	}
	if item.Record == nil {
		return nil
	}
	if record.IsError(item.Record) {
		return j.next.Send(item)
	}
	if !j.rightDone {
		j.pending = append(j.pending, item.Record)
		return nil
	}
	return j.merge(item.Record)
}

func (j *Join) sendRight(item record.Item) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if item.Last {
		if j.rightDone {
			return manifolderrors.MustBugf("join on %q received two right sentinels", j.field)
		}
		j.rightDone = true
		pending := j.pending
		j.pending = nil
		for _, rec := range pending {
			if err := j.merge(rec); err != nil {
				return err
			}
		}
		return j.maybeClose()
	}
	if item.Record == nil {
		return nil
	}
	if record.IsError(item.Record) {
		return j.next.Send(item)
	}

	key, ok := joinKey(item.Record, j.field)
	if !ok {
		logging.Debug().Str("field", j.field).Msg("dropping right record without join field")
		return nil
	}
	j.right[key] = item.Record
	return nil
}

func (j *Join) merge(left *record.Record) error {
	rec := process("join", left, func() *record.Record {
		key, ok := joinKey(left, j.field)
		if !ok {
			logging.Debug().Str("field", j.field).Msg("left record lacks join field, passing through")
			return left
		}
		if right, found := j.right[key]; found {
			left.Update(right)
			delete(j.right, key)
		}
		return left
	})
	return forward(j.next, record.Data(rec))
}

func (j *Join) maybeClose() error {
	if !j.leftDone || !j.rightDone || j.closed {
		return nil
	}
	j.closed = true
	if len(j.right) > 0 {
		logging.Debug().Str("field", j.field).Int("unmatched", len(j.right)).Msg("dropping unmatched right records")
	}
	j.right = nil
	return j.next.Send(record.End())
}

// joinKey returns the comparable form of a scalar join field. Numbers of
// different types print identically.
func joinKey(rec *record.Record, field string) (string, bool) {
	v, ok := rec.Get(field)
	if !ok || v.Kind() != record.KindScalar || v.Scalar() == nil {
		return "", false
	}
	return fmt.Sprintf("%v", v.Scalar()), true
}
