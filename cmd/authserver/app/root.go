// Package app provides the authserver command-line application.
//
// Settings are read, in order of precedence, from command-line flags,
// AUTHSERVER_* environment variables (a .env file in the working directory is
// loaded first when present), the YAML file given with --config, and built-in
// defaults. Lists of users and static clients can only be set in the file.
package app

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// envPrefix prefixes every environment variable, e.g. AUTHSERVER_ISSUER
const envPrefix = "AUTHSERVER"

// version is set at build time with -ldflags "-X .../app.version=..."
var version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:               "authserver",
	DisableAutoGenTag: true,
	SilenceUsage:      true,
	Short:             "OAuth 2.0 and OpenID Connect authorization server",
	Long: `authserver issues RS256-signed access and ID tokens through the
authorization code (with PKCE), client credentials and refresh token grants.
Refresh tokens rotate on every use and a replayed token revokes its family.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initConfig(viper.GetViper(), cfgFile)
	},
}

// NewRootCmd creates the root command with all subcommands attached
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().String("log-format", "json", "Log format: json or text")
	bindFlags(viper.GetViper(), rootCmd.PersistentFlags(), "log-level", "log-format")

	rootCmd.AddCommand(newServeCmd(viper.GetViper()))
	rootCmd.AddCommand(newKeygenCmd())
	rootCmd.AddCommand(newHashPasswordCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// initConfig loads .env, wires the environment and reads the config file
func initConfig(v *viper.Viper, path string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}

// bindFlags binds each named flag to the viper key of the same name
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, names ...string) {
	for _, name := range names {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", name, err))
		}
	}
}
