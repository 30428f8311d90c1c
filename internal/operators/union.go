package operators

import (
	"sync"

	"github.com/onelab/manifold/internal/logging"
	"github.com/onelab/manifold/pkg/record"
)

// Union merges n input streams into one. Records are forwarded as they
// arrive and the sentinel is sent after the n-th input sentinel. Sentinels
// arriving afterwards are ignored.
type Union struct {
	next record.Stream

	mu        sync.Mutex
	remaining int
}

func NewUnion(n int, next record.Stream) *Union {
	return &Union{next: next, remaining: n}
}

func (u *Union) Send(item record.Item) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !item.Last {
		return forward(u.next, item)
	}
	if u.remaining <= 0 {
		logging.Debug().Msg("ignoring sentinel received after completion")
		return nil
	}
	u.remaining--
	if u.remaining > 0 {
		return nil
	}
	return u.next.Send(item)
}

// Remaining returns the number of inputs still streaming.
func (u *Union) Remaining() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.remaining
}
