// Package cache implements the CACHE policy target: a per-user, in-memory
// store of complete get results answering narrower queries on the same
// object.
package cache

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"github.com/onelab/manifold/internal/logging"
	"github.com/onelab/manifold/internal/policy"
	"github.com/onelab/manifold/pkg/predicate"
	"github.com/onelab/manifold/pkg/query"
	"github.com/onelab/manifold/pkg/record"
)

// DefaultTTL is the lifetime of a cached result.
const DefaultTTL = 30 * time.Minute

// LocalPrefix marks objects that are never cached.
const LocalPrefix = "local:"

var (
	lookupsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "manifold",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "total number of cache lookups, by result",
	}, []string{"result"})

	invalidationsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "manifold",
		Subsystem: "cache",
		Name:      "invalidated_entries_total",
		Help:      "total number of cache entries invalidated by writes",
	})
)

// Key identifies one cached result.
type Key struct {
	Object string
	Filter string
	Fields string
	User   string
}

// KeyFor returns the cache key of a query.
func KeyFor(q *query.Query) Key {
	return Key{
		Object: q.Object,
		Filter: q.Filter.Freeze(),
		Fields: q.Fields.Freeze(),
		User:   q.Annotations.UserID(),
	}
}

func (k Key) MarshalZerologObject(e *zerolog.Event) {
	e.Str("object", k.Object).
		Str("filter", k.Filter).
		Str("fields", k.Fields).
		Str("user", k.User)
}

type entry struct {
	key     Key
	filter  predicate.Filter
	fields  query.Fields
	records []*record.Record
	created time.Time
	expiry  time.Time
}

// bucket holds the entries of one user.
type bucket struct {
	mu      sync.Mutex
	entries map[Key]*entry
}

// pending accumulates the live records of one query until its sentinel.
type pending struct {
	mu      sync.Mutex
	key     Key
	filter  predicate.Filter
	fields  query.Fields
	records []*record.Record
	failed  bool
}

type options struct {
	ttl   time.Duration
	clock clock.Clock
}

// Option configures a Cache.
type Option func(*options)

// WithTTL sets the lifetime of new entries.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// WithClock sets the clock used for expiry.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// Cache is the CACHE target. One Cache is built per router.
type Cache struct {
	ttl   time.Duration
	clock clock.Clock

	buckets *xsync.Map[string, *bucket]
	pending *xsync.Map[string, *pending]
}

var _ policy.Target = (*Cache)(nil)

func New(opts ...Option) *Cache {
	o := options{ttl: DefaultTTL, clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ttl <= 0 {
		o.ttl = DefaultTTL
	}
	return &Cache{
		ttl:     o.ttl,
		clock:   o.clock,
		buckets: xsync.NewMap[string, *bucket](),
		pending: xsync.NewMap[string, *pending](),
	}
}

func (c *Cache) bucket(user string) *bucket {
	b, _ := c.buckets.LoadOrStore(user, &bucket{entries: map[Key]*entry{}})
	return b
}

func cacheable(q *query.Query) bool {
	return !strings.HasPrefix(q.Object, LocalPrefix)
}

// ProcessQuery answers get queries from the cache and invalidates the
// entries of an object on any other action.
func (c *Cache) ProcessQuery(ctx context.Context, q *query.Query, ann query.Annotations) (policy.Decision, policy.Payload) {
	if !cacheable(q) {
		return policy.Continue, policy.Payload{}
	}

	user := ann.UserID()
	if q.Action != query.Get {
		removed := c.Invalidate(user, q.Object)
		if removed > 0 {
			logging.Ctx(ctx).Debug().Str("object", q.Object).Str("user", user).Int("entries", removed).Msg("cache invalidated")
		}
		return policy.Continue, policy.Payload{}
	}

	recs, ok := c.Lookup(q, ann.Str(query.AnnotationCache) == query.CacheExact)
	if !ok {
		lookupsCounter.WithLabelValues("miss").Inc()
		return policy.Continue, policy.Payload{}
	}
	lookupsCounter.WithLabelValues("hit").Inc()
	logging.Ctx(ctx).Debug().Object("key", KeyFor(q)).Int("records", len(recs)).Msg("cache hit")
	return policy.Records, policy.Payload{Records: recs}
}

// ProcessRecord buffers the live records of a get query and stores them
// once its sentinel arrives. Results holding an error record are not
// stored.
func (c *Cache) ProcessRecord(ctx context.Context, q *query.Query, item record.Item, _ query.Annotations) (policy.Decision, policy.Payload) {
	if q.Action != query.Get || !cacheable(q) {
		return policy.Continue, policy.Payload{}
	}
	if q.ID == "" {
		logging.Ctx(ctx).Debug().Str("object", q.Object).Msg("not caching a query without ID")
		return policy.Continue, policy.Payload{}
	}

	p, _ := c.pending.LoadOrStore(q.ID, &pending{
		key:    KeyFor(q),
		filter: q.Filter,
		fields: q.Fields,
	})

	if !item.Last {
		p.mu.Lock()
		if record.IsError(item.Record) {
			p.failed = true
		} else {
			p.records = append(p.records, item.Record.Clone())
		}
		p.mu.Unlock()
		return policy.Continue, policy.Payload{}
	}

	c.pending.Delete(q.ID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failed {
		logging.Ctx(ctx).Debug().Object("key", p.key).Msg("not caching a partial result")
		return policy.Continue, policy.Payload{}
	}
	c.store(p)
	return policy.Continue, policy.Payload{}
}

func (c *Cache) store(p *pending) {
	now := c.clock.Now()
	b := c.bucket(p.key.User)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[p.key] = &entry{
		key:     p.key,
		filter:  p.filter,
		fields:  p.fields,
		records: p.records,
		created: now,
		expiry:  now.Add(c.ttl),
	}
}

// Put stores records as the complete result of q.
func (c *Cache) Put(q *query.Query, recs []*record.Record) {
	cloned := make([]*record.Record, 0, len(recs))
	for _, r := range recs {
		cloned = append(cloned, r.Clone())
	}
	c.store(&pending{key: KeyFor(q), filter: q.Filter, fields: q.Fields, records: cloned})
}

// Lookup returns the records answering q from the best live entry: the
// exact key if present, otherwise the most recent entry on the same object
// whose filter and fields contain those of q. The records are re-filtered
// and re-projected to q; fields projected away when storing do not reject
// a record.
func (c *Cache) Lookup(q *query.Query, exactOnly bool) ([]*record.Record, bool) {
	key := KeyFor(q)
	b, ok := c.buckets.Load(key.User)
	if !ok {
		return nil, false
	}

	now := c.clock.Now()
	b.mu.Lock()
	best := c.best(b, key, q, now, exactOnly)
	b.mu.Unlock()
	if best == nil {
		return nil, false
	}

	var fields []string
	if !q.Fields.IsStar() && !q.Fields.IsEmpty() {
		fields = q.Fields.List()
	}
	out := make([]*record.Record, 0, len(best.records))
	for _, r := range best.records {
		if !q.Filter.MatchIgnoringMissing(r) {
			continue
		}
		if fields != nil {
			out = append(out, record.Project(r.Clone(), fields))
			continue
		}
		out = append(out, r.Clone())
	}
	return out, true
}

// best must be called with the bucket lock held. Expired entries are
// evicted on the way.
func (c *Cache) best(b *bucket, key Key, q *query.Query, now time.Time, exactOnly bool) *entry {
	if e, ok := b.entries[key]; ok {
		if now.Before(e.expiry) {
			return e
		}
		delete(b.entries, key)
	}
	if exactOnly {
		return nil
	}

	var candidates []*entry
	for k, e := range b.entries {
		if !now.Before(e.expiry) {
			delete(b.entries, k)
			continue
		}
		if k.Object != key.Object {
			continue
		}
		if e.filter.Contains(q.Filter) && e.fields.Covers(q.Fields) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return slices.MaxFunc(candidates, func(a, b *entry) int {
		return a.created.Compare(b.created)
	})
}

// Invalidate removes the entries of object for user and returns how many
// were removed.
func (c *Cache) Invalidate(user, object string) int {
	b, ok := c.buckets.Load(user)
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for k := range b.entries {
		if k.Object == object {
			delete(b.entries, k)
			removed++
		}
	}
	invalidationsCounter.Add(float64(removed))
	return removed
}

// Purge evicts every expired entry.
func (c *Cache) Purge() int {
	now := c.clock.Now()
	purged := 0
	c.buckets.Range(func(_ string, b *bucket) bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		for k, e := range b.entries {
			if !now.Before(e.expiry) {
				delete(b.entries, k)
				purged++
			}
		}
		return true
	})
	return purged
}

// Len returns the number of entries stored for user, expired or not.
func (c *Cache) Len(user string) int {
	b, ok := c.buckets.Load(user)
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
