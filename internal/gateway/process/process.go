// Package process implements a gateway that runs an OS command per query
// and parses its standard output into records.
package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/onelab/manifold/internal/gateway"
	"github.com/onelab/manifold/internal/logging"
	"github.com/onelab/manifold/pkg/predicate"
	"github.com/onelab/manifold/pkg/record"
)

// Type is the configuration name of this gateway.
const Type = "process"

// Output formats.
const (
	FormatJSON   = "json"
	FormatFields = "fields"
)

func init() {
	gateway.Register(Type, func(name string, config map[string]any, announces []gateway.Announce) (gateway.Gateway, error) {
		var cfg Config
		if err := gateway.DecodeConfig(config, &cfg); err != nil {
			return nil, err
		}
		return New(name, announces, cfg)
	})
}

// Config describes the command to run. Equality predicates of the query
// are appended to the command as key=value arguments.
type Config struct {
	Command []string      `yaml:"command"`
	Format  string        `yaml:"format" default:"json"`
	Columns []string      `yaml:"columns"`
	Timeout time.Duration `yaml:"timeout" default:"30s"`
}

// Gateway runs one process per get. Writes are not supported.
type Gateway struct {
	name      string
	announces []gateway.Announce
	cfg       Config

	mu      sync.Mutex
	running map[*gateway.Packet]*exec.Cmd
}

var (
	_ gateway.Gateway       = (*Gateway)(nil)
	_ gateway.Interruptible = (*Gateway)(nil)
)

func New(name string, announces []gateway.Announce, cfg Config) (*Gateway, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("missing command")
	}
	switch cfg.Format {
	case FormatJSON:
	case FormatFields:
		if len(cfg.Columns) == 0 {
			return nil, errors.New("fields format requires columns")
		}
	default:
		return nil, fmt.Errorf("unknown output format %q", cfg.Format)
	}
	return &Gateway{name: name, announces: announces, cfg: cfg, running: map[*gateway.Packet]*exec.Cmd{}}, nil
}

func (g *Gateway) Name() string { return g.name }

func (g *Gateway) Collections() []gateway.Announce { return g.announces }

func (g *Gateway) Get(ctx context.Context, p *gateway.Packet) {
	q := p.Query()
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	args := append(g.cfg.Command[1:len(g.cfg.Command):len(g.cfg.Command)], q.Object)
	args = append(args, filterArgs(q.Filter)...)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, g.cfg.Command[0], args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := g.start(p, cmd); err != nil {
		p.Fail(err)
		return
	}
	err := cmd.Wait()
	g.forget(p)
	if err != nil {
		p.Fail(&gateway.Error{
			Platform:    g.name,
			Origin:      g.cfg.Command[0],
			Description: strings.TrimSpace(fmt.Sprintf("%v: %s", err, stderr.String())),
		})
		return
	}

	recs, err := g.parse(stdout.Bytes())
	if err != nil {
		p.Fail(err)
		return
	}

	out := make([]*record.Record, 0, len(recs))
	for _, rec := range recs {
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

func (g *Gateway) Create(_ context.Context, p *gateway.Packet)  { gateway.Unsupported(p) }
func (g *Gateway) Update(_ context.Context, p *gateway.Packet)  { gateway.Unsupported(p) }
func (g *Gateway) Delete(_ context.Context, p *gateway.Packet)  { gateway.Unsupported(p) }
func (g *Gateway) Execute(_ context.Context, p *gateway.Packet) { gateway.Unsupported(p) }

// Interrupt sends SIGINT to the process feeding p. A packet with no live
// process is ignored.
func (g *Gateway) Interrupt(p *gateway.Packet) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cmd, ok := g.running[p]
	if !ok {
		return nil
	}
	if err := cmd.Process.Signal(syscall.SIGINT); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("error interrupting pid %d: %w", cmd.Process.Pid, err)
	}
	return nil
}

// Running returns the number of live processes.
func (g *Gateway) Running() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.running)
}

func (g *Gateway) start(p *gateway.Packet, cmd *exec.Cmd) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("error starting %q: %w", cmd.Path, err)
	}
	logging.Debug().Str("platform", g.name).Int("pid", cmd.Process.Pid).Msg("started process")
	g.running[p] = cmd
	return nil
}

func (g *Gateway) forget(p *gateway.Packet) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.running, p)
}

func (g *Gateway) parse(out []byte) ([]*record.Record, error) {
	var recs []*record.Record
	scanner := bufio.NewScanner(bytes.NewReader(out))
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		if g.cfg.Format == FormatJSON {
			rec := record.New()
			if err := rec.UnmarshalJSON([]byte(text)); err != nil {
				return nil, fmt.Errorf("invalid JSON on line %d: %w", line, err)
			}
			recs = append(recs, rec)
			continue
		}

		rec := record.New()
		for i, value := range strings.Fields(text) {
			if i >= len(g.cfg.Columns) {
				break
			}
			rec.Set(g.cfg.Columns[i], value)
		}
		recs = append(recs, rec)
	}
	return recs, scanner.Err()
}

func filterArgs(f predicate.Filter) []string {
	var args []string
	for _, p := range f.Predicates() {
		if p.Op() != predicate.Eq || p.IsComposite() {
			continue
		}
		if _, isList := p.Value().([]any); isList {
			continue
		}
		args = append(args, fmt.Sprintf("%s=%v", p.Key(), p.Value()))
	}
	return args
}
