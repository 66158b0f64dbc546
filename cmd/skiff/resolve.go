package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"Skiff/internal/labels"
	"Skiff/internal/spec"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve [flags] LABEL...",
	Short: "Print the runner and image a set of job labels resolves to",
	Long: `Resolve applies the built-in catalogs, an optional repository config file
and the given labels, then prints the resulting specs as YAML. It does not call
GitHub or AWS.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runResolve,
}

func init() {
	flags := resolveCmd.Flags()
	flags.String("repo-config", "", "repository config file (.github/runs-on.yml)")
	flags.String("label", "runs-on", "runner label prefix")
}

func runResolve(cmd *cobra.Command, args []string) error {
	repoConfigPath, _ := cmd.Flags().GetString("repo-config")
	prefix, _ := cmd.Flags().GetString("label")

	doc := map[string]any{}
	if repoConfigPath != "" {
		raw, err := os.ReadFile(repoConfigPath)
		if err != nil {
			return fmt.Errorf("failed to read repo config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("failed to parse repo config: %w", err)
		}
		if doc == nil {
			doc = map[string]any{}
		}
	}

	logger := setupLogger(v.GetString("log_level"), "text")
	slog.SetDefault(logger)

	res, err := spec.NewResolver(nil, logger).Resolve(
		cmd.Context(), "", labels.Extract(args, prefix), spec.RepoConfigFromMap(doc),
	)
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(map[string]any{
		"runner": res.Runner,
		"image":  res.Image,
		"ssh":    res.SSH,
	})
}
