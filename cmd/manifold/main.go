package main

import (
	"fmt"
	"os"

	"github.com/onelab/manifold/internal/logging"
	"github.com/onelab/manifold/internal/policy"
	"github.com/onelab/manifold/pkg/cmd"
)

func main() {
	rootCmd := cmd.NewRootCommand("manifold")
	cmd.RegisterRootFlags(rootCmd)

	var queryConfig cmd.QueryConfig
	queryCmd := cmd.NewQueryCommand(rootCmd.Use, &queryConfig)
	cmd.RegisterQueryFlags(queryCmd, &queryConfig)
	rootCmd.AddCommand(queryCmd)

	var catalogConfig string
	catalogCmd := cmd.NewCatalogCommand(rootCmd.Use, &catalogConfig)
	cmd.RegisterCatalogFlags(catalogCmd, &catalogConfig)
	rootCmd.AddCommand(catalogCmd)

	if err := rootCmd.Execute(); err != nil {
		if policy.IsDenied(err) {
			logging.Warn().Err(err).Msg("query denied by policy")
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
