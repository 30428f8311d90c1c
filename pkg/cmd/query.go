package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize/english"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/onelab/manifold/internal/config"
	"github.com/onelab/manifold/internal/logging"
	"github.com/onelab/manifold/internal/router"
	"github.com/onelab/manifold/pkg/predicate"
	"github.com/onelab/manifold/pkg/query"
)

// QueryConfig is the configuration for the query command.
type QueryConfig struct {
	// ConfigPath is the YAML file declaring the platforms and rules.
	ConfigPath string

	Action string
	Object string
	Fields []string

	// Filter is a JSON list of [key, operator, value] triples.
	Filter string

	// Params are write parameters; values are decoded as JSON when possible.
	Params map[string]string

	User    string
	Exact   bool
	Timeout time.Duration
}

func RegisterQueryFlags(cmd *cobra.Command, config *QueryConfig) {
	cmd.Flags().StringVar(&config.ConfigPath, "config", "manifold.yaml", "configuration file declaring platforms and policy rules")
	cmd.Flags().StringVar(&config.Action, "action", string(query.Get), `query action ("get", "create", "update", "delete", "execute")`)
	cmd.Flags().StringVar(&config.Object, "object", "", "object to query")
	cmd.Flags().StringSliceVar(&config.Fields, "fields", nil, "fields to select, all fields when empty")
	cmd.Flags().StringVar(&config.Filter, "filter", "", `filter as JSON triples (e.g. '[["hrn", "=", "onelab.node1"]]')`)
	cmd.Flags().StringToStringVar(&config.Params, "param", nil, "write parameter as key=value")
	cmd.Flags().StringVar(&config.User, "user", "", "user the query is issued for")
	cmd.Flags().BoolVar(&config.Exact, "cache-exact", false, "only accept exact cache hits")
	cmd.Flags().DurationVar(&config.Timeout, "timeout", 30*time.Second, "maximum time to wait for every platform, 0 to wait forever")
}

func NewQueryCommand(programName string, config *QueryConfig) *cobra.Command {
	return &cobra.Command{
		Use:     "query",
		Short:   "run one query against the configured platforms",
		Long:    fmt.Sprintf("Runs one query and prints its records as JSON lines.\nThe filter operators are the long (%s) or short (%s) forms.", color.YellowString("eq, lt, contains..."), color.YellowString("=, <, }...")),
		PreRunE: DefaultPreRunE(programName),
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunQuery(SignalContext(cmd.Context()), config, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
		Args: cobra.ExactArgs(0),
	}
}

// Complete builds the query described by the flags.
func (c *QueryConfig) Complete() (*query.Query, error) {
	action, err := query.ParseAction(c.Action)
	if err != nil {
		return nil, err
	}
	q := query.New(action, c.Object)
	if len(c.Fields) > 0 {
		q = q.WithFields(query.NewFields(c.Fields...))
	}
	if c.Filter != "" {
		filter, err := predicate.FromTriples([]byte(c.Filter))
		if err != nil {
			return nil, query.NewInvalidQueryError(fmt.Errorf("invalid filter: %w", err))
		}
		q = q.WithFilter(filter)
	}
	if len(c.Params) > 0 {
		params := make(map[string]any, len(c.Params))
		for k, raw := range c.Params {
			var v any
			if err := json.Unmarshal([]byte(raw), &v); err != nil {
				v = raw
			}
			params[k] = v
		}
		q = q.WithParams(params)
	}
	if c.User != "" {
		q = q.WithAnnotation(query.AnnotationUser, c.User)
	}
	if c.Exact {
		q = q.WithAnnotation(query.AnnotationCache, query.CacheExact)
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return q, nil
}

// RunQuery loads the configuration, runs the query and writes the records
// to out and a summary to summary.
func RunQuery(ctx context.Context, c *QueryConfig, out, summary io.Writer) error {
	q, err := c.Complete()
	if err != nil {
		return err
	}

	cfg, err := config.Load(c.ConfigPath)
	if err != nil {
		return err
	}
	r, err := cfg.Build()
	if err != nil {
		return err
	}
	defer func() {
		if err := r.Close(); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("error closing platforms")
		}
	}()

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	start := time.Now()
	result, qerr := r.Query(ctx, q)
	if result == nil {
		return qerr
	}

	enc := json.NewEncoder(out)
	for _, rec := range result.Records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("error writing record: %w", err)
		}
	}
	writeSummary(summary, result, time.Since(start))
	if qerr != nil {
		return qerr
	}
	if !result.Success() {
		return errors.New("every platform failed")
	}
	return nil
}

func writeSummary(w io.Writer, result *router.Result, elapsed time.Duration) {
	code := result.Code.String()
	switch result.Code {
	case router.CodeSuccess:
		code = color.GreenString(code)
	case router.CodeWarning:
		code = color.YellowString(code)
	default:
		code = color.RedString(code)
	}

	fmt.Fprintf(w, "%s: %s, %s in %s\n",
		code,
		english.Plural(len(result.Records), "record", "records"),
		english.Plural(len(result.Errors), "error", "errors"),
		elapsed.Round(time.Millisecond),
	)
	for _, e := range result.Errors {
		fmt.Fprintf(w, "  %s %s\n", color.RedString("✗"), e.Error())
	}
}
