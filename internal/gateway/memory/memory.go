// Package memory implements a gateway over in-memory go-memdb tables, one
// table per announced object.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"

	"github.com/onelab/manifold/internal/gateway"
	"github.com/onelab/manifold/internal/logging"
	"github.com/onelab/manifold/pkg/query"
	"github.com/onelab/manifold/pkg/record"
)

// Type is the configuration name of this gateway.
const Type = "memory"

const indexID = "id"

func init() {
	gateway.Register(Type, func(name string, config map[string]any, announces []gateway.Announce) (gateway.Gateway, error) {
		var cfg Config
		if err := gateway.DecodeConfig(config, &cfg); err != nil {
			return nil, err
		}
		return New(name, announces, cfg)
	})
}

// Config seeds the tables.
type Config struct {
	// Records maps an object name to its initial rows.
	Records map[string][]map[string]any `yaml:"records"`
}

type row struct {
	id  string
	rec *record.Record
}

// Gateway serves objects from memdb tables keyed by the announce key.
type Gateway struct {
	name      string
	announces map[string]gateway.Announce
	db        *memdb.MemDB
}

var _ gateway.Gateway = (*Gateway)(nil)

// New creates the tables for the announced objects and loads the seeds.
func New(name string, announces []gateway.Announce, cfg Config) (*Gateway, error) {
	schema := &memdb.DBSchema{Tables: map[string]*memdb.TableSchema{}}
	byObject := make(map[string]gateway.Announce, len(announces))
	for _, a := range announces {
		if a.Key == "" {
			return nil, fmt.Errorf("object %q has no key field", a.Object)
		}
		byObject[a.Object] = a
		schema.Tables[a.Object] = &memdb.TableSchema{
			Name: a.Object,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:    indexID,
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "id"},
				},
			},
		}
	}
	if len(schema.Tables) == 0 {
		return nil, fmt.Errorf("memory gateway %q announces no object", name)
	}

	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("error creating memdb: %w", err)
	}

	gw := &Gateway{name: name, announces: byObject, db: db}

	txn := db.Txn(true)
	defer txn.Abort()
	for _, object := range slices.Sorted(maps.Keys(cfg.Records)) {
		a, ok := byObject[object]
		if !ok {
			return nil, fmt.Errorf("seed records for unannounced object %q", object)
		}
		for _, m := range cfg.Records[object] {
			if _, err := insert(txn, a, record.FromMap(m)); err != nil {
				return nil, err
			}
		}
	}
	txn.Commit()

	return gw, nil
}

func (g *Gateway) Name() string { return g.name }

func (g *Gateway) Collections() []gateway.Announce {
	out := make([]gateway.Announce, 0, len(g.announces))
	for _, object := range slices.Sorted(maps.Keys(g.announces)) {
		out = append(out, g.announces[object])
	}
	return out
}

func (g *Gateway) announce(p *gateway.Packet) (gateway.Announce, bool) {
	a, ok := g.announces[p.Query().Object]
	if !ok {
		p.Fail(fmt.Errorf("unknown object %q", p.Query().Object))
	}
	return a, ok
}

func (g *Gateway) Get(_ context.Context, p *gateway.Packet) {
	if _, ok := g.announce(p); !ok {
		return
	}
	q := p.Query()

	txn := g.db.Txn(false)
	defer txn.Abort()

	matches, err := scan(txn, q)
	if err != nil {
		p.Fail(err)
		return
	}
	out := make([]*record.Record, 0, len(matches))
	for _, r := range matches {
		out = append(out, restrict(r.rec.Clone(), q.Fields))
	}
	p.Records(out)
}

func (g *Gateway) Create(_ context.Context, p *gateway.Packet) {
	a, ok := g.announce(p)
	if !ok {
		return
	}
	q := p.Query()

	txn := g.db.Txn(true)
	defer txn.Abort()

	rec := record.FromMap(q.Params)
	if id, ok := keyOf(a, rec); ok {
		existing, err := txn.First(a.Object, indexID, id)
		if err != nil {
			p.Fail(fmt.Errorf("error looking up %q: %w", id, err))
			return
		}
		if existing != nil {
			p.Fail(fmt.Errorf("%s %q already exists", a.Object, id))
			return
		}
	}
	created, err := insert(txn, a, rec)
	if err != nil {
		p.Fail(err)
		return
	}
	txn.Commit()

	logging.Debug().Str("platform", g.name).Str("object", a.Object).Str("id", created.id).Msg("created record")
	p.Records([]*record.Record{restrict(created.rec.Clone(), q.Fields)})
}

func (g *Gateway) Update(_ context.Context, p *gateway.Packet) {
	a, ok := g.announce(p)
	if !ok {
		return
	}
	q := p.Query()

	txn := g.db.Txn(true)
	defer txn.Abort()

	matches, err := scan(txn, q)
	if err != nil {
		p.Fail(err)
		return
	}

	out := make([]*record.Record, 0, len(matches))
	for _, r := range matches {
		updated := r.rec.Clone()
		updated.Update(record.FromMap(q.Params))
		if err := txn.Delete(a.Object, r); err != nil {
			p.Fail(fmt.Errorf("error replacing row %q: %w", r.id, err))
			return
		}
		stored, err := insert(txn, a, updated)
		if err != nil {
			p.Fail(err)
			return
		}
		out = append(out, restrict(stored.rec.Clone(), q.Fields))
	}
	txn.Commit()
	p.Records(out)
}

func (g *Gateway) Delete(_ context.Context, p *gateway.Packet) {
	a, ok := g.announce(p)
	if !ok {
		return
	}
	q := p.Query()

	txn := g.db.Txn(true)
	defer txn.Abort()

	matches, err := scan(txn, q)
	if err != nil {
		p.Fail(err)
		return
	}
	out := make([]*record.Record, 0, len(matches))
	for _, r := range matches {
		if err := txn.Delete(a.Object, r); err != nil {
			p.Fail(fmt.Errorf("error deleting row %q: %w", r.id, err))
			return
		}
		out = append(out, restrict(r.rec, q.Fields))
	}
	txn.Commit()
	p.Records(out)
}

func (g *Gateway) Execute(_ context.Context, p *gateway.Packet) {
	gateway.Unsupported(p)
}

func scan(txn *memdb.Txn, q *query.Query) ([]*row, error) {
	it, err := txn.Get(q.Object, indexID)
	if err != nil {
		return nil, fmt.Errorf("error scanning %q: %w", q.Object, err)
	}

	filtered := memdb.NewFilterIterator(it, func(raw any) bool {
		// Filter functions return true for rows to skip.
		return !q.Filter.Match(raw.(*row).rec)
	})

	var out []*row
	for raw := filtered.Next(); raw != nil; raw = filtered.Next() {
		out = append(out, raw.(*row))
	}
	return out, nil
}

// keyOf returns the row id carried by the key field of rec.
func keyOf(a gateway.Announce, rec *record.Record) (string, bool) {
	v, ok := rec.Get(a.Key)
	if !ok || v.Scalar() == nil {
		return "", false
	}
	return fmt.Sprintf("%v", v.Scalar()), true
}

func insert(txn *memdb.Txn, a gateway.Announce, rec *record.Record) (*row, error) {
	id, ok := keyOf(a, rec)
	if !ok {
		id = uuid.NewString()
		rec.Set(a.Key, id)
	}

	r := &row{id: id, rec: rec}
	if err := txn.Insert(a.Object, r); err != nil {
		return nil, fmt.Errorf("error inserting into %q: %w", a.Object, err)
	}
	return r, nil
}

func restrict(rec *record.Record, fields query.Fields) *record.Record {
	if fields.IsStar() || fields.IsEmpty() {
		return rec
	}
	return record.Project(rec, fields.List())
}
