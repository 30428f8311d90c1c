package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/go-logr/zerologr"
	"github.com/jzelinskie/cobrautil/v2"
	"github.com/jzelinskie/cobrautil/v2/cobraotel"
	"github.com/jzelinskie/cobrautil/v2/cobrazerolog"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/onelab/manifold/internal/logging"
)

func RegisterRootFlags(cmd *cobra.Command) {
	cobrazerolog.New().RegisterFlags(cmd.PersistentFlags())
	cobraotel.New(cmd.Use).RegisterFlags(cmd.PersistentFlags())
}

// DefaultPreRunE sets up viper, zerolog, and OpenTelemetry flag handling for a
// command.
func DefaultPreRunE(programName string) cobrautil.CobraRunFunc {
	return cobrautil.CommandStack(
		cobrautil.SyncViperDotEnvPreRunE(programName, "manifold.env", zerologr.New(&logging.Logger)),
		cobrazerolog.New(
			cobrazerolog.WithTarget(func(logger zerolog.Logger) {
				logging.SetGlobalLogger(logger)
			}),
		).RunE(),
		cobraotel.New(programName,
			cobraotel.WithLogger(zerologr.New(&logging.Logger)),
		).RunE(),
	)
}

func NewRootCommand(programName string) *cobra.Command {
	return &cobra.Command{
		Use:           programName,
		Short:         "A federating query middleware",
		Long:          "Routes one structured query to every platform serving its object and merges their records",
		Example:       rootExample(programName),
		SilenceErrors: true,
		SilenceUsage:  true,
	}
}

func rootExample(programName string) string {
	return fmt.Sprintf(`	%[1]s:
		%[3]s query --config manifold.yaml --object resource --fields hrn,hostname

	%[2]s:
		%[3]s query --config manifold.yaml --object resource \
			--filter '[["hrn", "=", "onelab.node1"]]' --user alice
`,
		color.YellowString("Every field of an object"),
		color.GreenString("Filtered, on behalf of a user"),
		programName,
	)
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(ctx context.Context) context.Context {
	signalctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalctx.Done()
		if ctx.Err() == nil {
			logging.Ctx(ctx).Info().Msg("received interrupt signal, shutting down")
		}
		cancel()
	}()
	return signalctx
}
