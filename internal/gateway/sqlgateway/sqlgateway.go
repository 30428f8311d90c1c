// Package sqlgateway implements a gateway over a SQL database. Filters are
// pushed down into the WHERE clause where the SQL dialect can express them
// and evaluated locally otherwise.
package sqlgateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/onelab/manifold/internal/gateway"
	"github.com/onelab/manifold/internal/logging"
	"github.com/onelab/manifold/pkg/query"
	"github.com/onelab/manifold/pkg/record"
)

// Type is the configuration name of this gateway.
const Type = "sql"

// Supported driver names.
const (
	DriverPostgres = "pgx"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite3"
)

// FieldAffected is the field of the record returned by writes.
const FieldAffected = "affected"

func init() {
	gateway.Register(Type, func(name string, config map[string]any, announces []gateway.Announce) (gateway.Gateway, error) {
		var cfg Config
		if err := gateway.DecodeConfig(config, &cfg); err != nil {
			return nil, err
		}
		return Open(name, announces, cfg)
	})
}

// Config selects the database.
type Config struct {
	Driver          string            `yaml:"driver" default:"pgx"`
	DSN             string            `yaml:"dsn"`
	Tables          map[string]string `yaml:"tables"`
	MaxOpenConns    int               `yaml:"max_open_conns" default:"4"`
	ConnMaxLifetime time.Duration     `yaml:"conn_max_lifetime" default:"5m"`
}

// Gateway serves announced objects from tables of one database.
type Gateway struct {
	name      string
	announces map[string]gateway.Announce
	tables    map[string]string
	db        *sql.DB
	builder   sq.StatementBuilderType
}

var _ gateway.Gateway = (*Gateway)(nil)

// Open connects to the configured database.
func Open(name string, announces []gateway.Announce, cfg Config) (*Gateway, error) {
	if cfg.DSN == "" {
		return nil, errors.New("missing dsn")
	}
	placeholder, err := placeholderFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("error opening %s database: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return newGateway(name, announces, cfg.Tables, db, placeholder), nil
}

func placeholderFor(driver string) (sq.PlaceholderFormat, error) {
	switch driver {
	case DriverPostgres:
		return sq.Dollar, nil
	case DriverMySQL, DriverSQLite:
		return sq.Question, nil
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
}

func newGateway(name string, announces []gateway.Announce, tables map[string]string, db *sql.DB, placeholder sq.PlaceholderFormat) *Gateway {
	byObject := make(map[string]gateway.Announce, len(announces))
	for _, a := range announces {
		byObject[a.Object] = a
	}
	return &Gateway{
		name:      name,
		announces: byObject,
		tables:    maps.Clone(tables),
		db:        db,
		builder:   sq.StatementBuilder.PlaceholderFormat(placeholder),
	}
}

func (g *Gateway) Name() string { return g.name }

func (g *Gateway) Collections() []gateway.Announce {
	out := make([]gateway.Announce, 0, len(g.announces))
	for _, object := range slices.Sorted(maps.Keys(g.announces)) {
		out = append(out, g.announces[object])
	}
	return out
}

// Close closes the database handle.
func (g *Gateway) Close() error { return g.db.Close() }

func (g *Gateway) table(object string) string {
	if t, ok := g.tables[object]; ok {
		return t
	}
	return object
}

func (g *Gateway) Get(ctx context.Context, p *gateway.Packet) {
	q := p.Query()
	stmt, args, err := g.selectSQL(q)
	if err != nil {
		p.Fail(err)
		return
	}

	logging.Ctx(ctx).Trace().Str("platform", g.name).Str("sql", stmt).Msg("querying")
	rows, err := g.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		p.Fail(fmt.Errorf("error querying %q: %w", q.Object, err))
		return
	}
	defer rows.Close()

	recs, err := scanRows(rows)
	if err != nil {
		p.Fail(err)
		return
	}

	out := make([]*record.Record, 0, len(recs))
	for _, rec := range recs {
		// LIKE based push-down may over-match, so the whole filter is
		// evaluated again.
		if !q.Filter.Match(rec) {
			continue
		}
		if !q.Fields.IsStar() && !q.Fields.IsEmpty() {
			rec = record.Project(rec, q.Fields.List())
		}
		out = append(out, rec)
	}
	p.Records(out)
}

func (g *Gateway) Create(ctx context.Context, p *gateway.Packet) {
	stmt, args, err := g.insertSQL(p.Query())
	if err != nil {
		p.Fail(err)
		return
	}
	g.exec(ctx, p, stmt, args)
}

func (g *Gateway) Update(ctx context.Context, p *gateway.Packet) {
	stmt, args, err := g.updateSQL(p.Query())
	if err != nil {
		p.Fail(err)
		return
	}
	g.exec(ctx, p, stmt, args)
}

func (g *Gateway) Delete(ctx context.Context, p *gateway.Packet) {
	stmt, args, err := g.deleteSQL(p.Query())
	if err != nil {
		p.Fail(err)
		return
	}
	g.exec(ctx, p, stmt, args)
}

func (g *Gateway) Execute(_ context.Context, p *gateway.Packet) {
	gateway.Unsupported(p)
}

func (g *Gateway) exec(ctx context.Context, p *gateway.Packet, stmt string, args []any) {
	logging.Ctx(ctx).Trace().Str("platform", g.name).Str("sql", stmt).Msg("executing")
	res, err := g.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		p.Fail(fmt.Errorf("error executing %s on %q: %w", p.Query().Action, p.Query().Object, err))
		return
	}
	affected, err := res.RowsAffected()
	if err != nil {
		p.Fail(err)
		return
	}
	p.Records([]*record.Record{record.Of(FieldAffected, affected)})
}

func (g *Gateway) selectSQL(q *query.Query) (string, []any, error) {
	pushed, residual := splitFilter(q.Filter)

	columns := []string{"*"}
	if residual.IsEmpty() && !q.Fields.IsStar() && !q.Fields.IsEmpty() {
		columns = q.Fields.List()
	}

	sel := g.builder.Select(columns...).From(g.table(q.Object))
	for _, cond := range pushed {
		sel = sel.Where(cond)
	}
	return sel.ToSql()
}

func (g *Gateway) insertSQL(q *query.Query) (string, []any, error) {
	if len(q.Params) == 0 {
		return "", nil, errors.New("create requires params")
	}
	return g.builder.Insert(g.table(q.Object)).SetMap(q.Params).ToSql()
}

func (g *Gateway) updateSQL(q *query.Query) (string, []any, error) {
	if len(q.Params) == 0 {
		return "", nil, errors.New("update requires params")
	}
	pushed, residual := splitFilter(q.Filter)
	if !residual.IsEmpty() {
		return "", nil, fmt.Errorf("filter %s cannot be expressed in SQL", residual)
	}

	upd := g.builder.Update(g.table(q.Object)).SetMap(q.Params)
	for _, cond := range pushed {
		upd = upd.Where(cond)
	}
	return upd.ToSql()
}

func (g *Gateway) deleteSQL(q *query.Query) (string, []any, error) {
	pushed, residual := splitFilter(q.Filter)
	if !residual.IsEmpty() {
		return "", nil, fmt.Errorf("filter %s cannot be expressed in SQL", residual)
	}

	del := g.builder.Delete(g.table(q.Object))
	for _, cond := range pushed {
		del = del.Where(cond)
	}
	return del.ToSql()
}

func scanRows(rows *sql.Rows) ([]*record.Record, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []*record.Record
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("error scanning row: %w", err)
		}

		rec := record.New()
		for i, col := range columns {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			rec.Set(col, v)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
