package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/onelab/manifold/internal/config"
	"github.com/onelab/manifold/internal/gateway"
)

func RegisterCatalogFlags(cmd *cobra.Command, configPath *string) {
	cmd.Flags().StringVar(configPath, "config", "manifold.yaml", "configuration file declaring platforms and policy rules")
}

func NewCatalogCommand(programName string, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "catalog",
		Short:   "validate a configuration and list the objects it routes",
		PreRunE: DefaultPreRunE(programName),
		RunE: func(cmd *cobra.Command, args []string) error {
			return PrintCatalog(*configPath, cmd.OutOrStdout())
		},
		Args: cobra.ExactArgs(0),
	}
}

// PrintCatalog builds the router of a configuration file and writes every
// object with the platforms serving it.
func PrintCatalog(configPath string, w io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	r, err := cfg.Build()
	if err != nil {
		return err
	}
	defer r.Close()

	catalog := r.Catalog()
	for _, object := range catalog.Objects() {
		fmt.Fprintf(w, "%s (key %s)\n", color.CyanString(object), catalog.Key(object))
		for _, route := range catalog.Routes(object) {
			fmt.Fprintf(w, "  %-16s %s\n", route.Platform, capabilities(route.Announce.Capabilities))
		}
	}
	return nil
}

func capabilities(c gateway.Capabilities) string {
	var caps []string
	for _, capability := range []struct {
		name string
		set  bool
	}{
		{"retrieve", c.Retrieve},
		{"join", c.Join},
		{"selection", c.Selection},
		{"projection", c.Projection},
	} {
		if capability.set {
			caps = append(caps, capability.name)
		}
	}
	return strings.Join(caps, ",")
}
