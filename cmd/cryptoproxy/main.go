// Command cryptoproxy runs the Crypto Nitro Proxy: a relay in front of the
// Binance, CoinGecko and CoinMarketCap market-data APIs with a TTL response
// cache on CoinMarketCap.
package main

import (
	"context"
	"fmt"
	"os"

	cryptoproxy "github.com/kefren-38/crypto-nitro-proxy"
	"github.com/kefren-38/crypto-nitro-proxy/internal/version"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "cryptoproxy",
		Short:        "Caching relay for crypto market-data APIs",
		SilenceUsage: true,
		// Running the bare binary serves, matching `cryptoproxy serve`.
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath, os.Getenv)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a JSON or YAML config file (default $PROXY_CONFIG)")

	root.AddCommand(
		newServeCmd(&configPath),
		newValidateCmd(),
		newVersionCmd(),
	)
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configPath, os.Getenv)
		},
	}
}

func newValidateCmd() *cobra.Command {
	var printEffective bool
	cmd := &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cryptoproxy.LoadConfig(args[0])
			if err != nil {
				return err
			}
			if err := cryptoproxy.ValidateConfig(*cfg); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			out := cmd.OutOrStdout()
			if printEffective {
				enc := yaml.NewEncoder(out)
				enc.SetIndent(2)
				if err := enc.Encode(cfg); err != nil {
					return err
				}
				return enc.Close()
			}
			_, err = fmt.Fprintf(out, "Config is valid: %s\n", args[0])
			return err
		},
	}
	cmd.Flags().BoolVar(&printEffective, "print", false, "print the effective config (defaults applied) as YAML")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "cryptoproxy %s\n", version.String())
			return err
		},
	}
}
