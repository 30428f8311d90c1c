// Package web implements a gateway over a JSON web service.
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/onelab/manifold/internal/gateway"
	"github.com/onelab/manifold/internal/logging"
	"github.com/onelab/manifold/pkg/predicate"
	"github.com/onelab/manifold/pkg/query"
	"github.com/onelab/manifold/pkg/record"
)

// Type is the configuration name of this gateway.
const Type = "web"

func init() {
	gateway.Register(Type, func(name string, config map[string]any, announces []gateway.Announce) (gateway.Gateway, error) {
		var cfg Config
		if err := gateway.DecodeConfig(config, &cfg); err != nil {
			return nil, err
		}
		return New(name, announces, cfg)
	})
}

// Config locates the service.
type Config struct {
	BaseURL string `yaml:"base_url"`

	// Paths maps an object to its path below BaseURL. Defaults to /<object>.
	Paths map[string]string `yaml:"paths"`

	// ResultsField names the response field holding the records, when the
	// response is an object rather than a list.
	ResultsField string `yaml:"results_field"`

	Timeout       time.Duration `yaml:"timeout" default:"10s"`
	MaxRetries    uint64        `yaml:"max_retries" default:"3"`
	RetryInterval time.Duration `yaml:"retry_interval" default:"100ms"`
}

// Gateway maps get/create/update/delete onto GET/POST/PATCH/DELETE.
// Equality predicates become query string parameters.
type Gateway struct {
	name      string
	announces []gateway.Announce
	cfg       Config
	client    *http.Client
}

var _ gateway.Gateway = (*Gateway)(nil)

func New(name string, announces []gateway.Announce, cfg Config) (*Gateway, error) {
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("invalid base_url %q", cfg.BaseURL)
	}
	return &Gateway{
		name:      name,
		announces: announces,
		cfg:       cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

func (g *Gateway) Name() string { return g.name }

func (g *Gateway) Collections() []gateway.Announce { return g.announces }

func (g *Gateway) Get(ctx context.Context, p *gateway.Packet) {
	g.roundTrip(ctx, p, http.MethodGet, nil)
}

func (g *Gateway) Create(ctx context.Context, p *gateway.Packet) {
	g.roundTrip(ctx, p, http.MethodPost, p.Query().Params)
}

func (g *Gateway) Update(ctx context.Context, p *gateway.Packet) {
	g.roundTrip(ctx, p, http.MethodPatch, p.Query().Params)
}

func (g *Gateway) Delete(ctx context.Context, p *gateway.Packet) {
	g.roundTrip(ctx, p, http.MethodDelete, nil)
}

func (g *Gateway) Execute(_ context.Context, p *gateway.Packet) {
	gateway.Unsupported(p)
}

// statusError is an HTTP error status.
type statusError struct {
	code int
	body string
}

func (e statusError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.code, http.StatusText(e.code), e.body)
}

func (e statusError) Retryable() bool { return e.code >= 500 }

func (g *Gateway) roundTrip(ctx context.Context, p *gateway.Packet, method string, body map[string]any) {
	q := p.Query()
	target, err := g.url(q)
	if err != nil {
		p.Fail(err)
		return
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			p.Fail(fmt.Errorf("error encoding params: %w", err))
			return
		}
	}

	var respBody []byte
	attempts := 0
	operation := func() error {
		attempts++
		respBody, err = g.do(ctx, method, target, payload)
		var se statusError
		if errors.As(err, &se) && !se.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = g.cfg.RetryInterval
	err = backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, g.cfg.MaxRetries), ctx))
	if err != nil {
		logging.Ctx(ctx).Debug().Err(err).Str("platform", g.name).Int("attempts", attempts).Msg("request failed")
		p.Fail(gateway.NewError(g.name, err))
		return
	}

	recs, err := g.decode(respBody)
	if err != nil {
		p.Fail(err)
		return
	}

	out := make([]*record.Record, 0, len(recs))
	for _, rec := range recs {
		if method == http.MethodGet && !q.Filter.Match(rec) {
			continue
		}
		if !q.Fields.IsStar() && !q.Fields.IsEmpty() {
			rec = record.Project(rec, q.Fields.List())
		}
		out = append(out, rec)
	}
	p.Records(out)
}

func (g *Gateway) do(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

func (g *Gateway) url(q *query.Query) (string, error) {
	path, ok := g.cfg.Paths[q.Object]
	if !ok {
		path = "/" + q.Object
	}
	u, err := url.Parse(strings.TrimSuffix(g.cfg.BaseURL, "/") + path)
	if err != nil {
		return "", fmt.Errorf("invalid url for %q: %w", q.Object, err)
	}

	values := u.Query()
	for _, p := range q.Filter.Predicates() {
		if p.Op() != predicate.Eq || p.IsComposite() {
			continue
		}
		if list, ok := p.Value().([]any); ok {
			for _, v := range list {
				values.Add(p.Key(), fmt.Sprintf("%v", v))
			}
			continue
		}
		values.Add(p.Key(), fmt.Sprintf("%v", p.Value()))
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

func (g *Gateway) decode(body []byte) ([]*record.Record, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}

	if g.cfg.ResultsField != "" {
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, fmt.Errorf("invalid response: %w", err)
		}
		body = envelope[g.cfg.ResultsField]
		if len(body) == 0 {
			return nil, nil
		}
	}

	if body[0] == '{' {
		rec := record.New()
		if err := rec.UnmarshalJSON(body); err != nil {
			return nil, fmt.Errorf("invalid response: %w", err)
		}
		return []*record.Record{rec}, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(body, &elems); err != nil {
		return nil, fmt.Errorf("invalid response: %w", err)
	}
	out := make([]*record.Record, 0, len(elems))
	for _, elem := range elems {
		rec := record.New()
		if err := rec.UnmarshalJSON(elem); err != nil {
			return nil, fmt.Errorf("invalid response element: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}
