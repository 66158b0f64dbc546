package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Versioning information set at build time
var version, commit = "dev", "n/a"

var (
	v          = viper.New()
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "skiff",
	Short: "Skiff provisions ephemeral GitHub Actions runners on EC2.",

	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "path to configuration file (optional)")
	flags.String("log-level", "info", "minimum log level (debug, info, warn, error)")
	flags.String("log-format", "json", "log format (json, text)")
	bindFlags(flags, map[string]string{
		"log-level":  "log_level",
		"log-format": "log_format",
	})

	rootCmd.AddCommand(serveCmd, resolveCmd, versionCmd)
}

// bindFlags binds each flag to its config key, so a flag set on the command
// line wins over the file and the environment.
func bindFlags(flags *pflag.FlagSet, keys map[string]string) {
	for name, key := range keys {
		lo.Must0(v.BindPFlag(key, flags.Lookup(name)))
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
