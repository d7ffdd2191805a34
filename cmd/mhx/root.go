package main

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/kalambet/mhx/internal/audio"
	"github.com/kalambet/mhx/internal/config"
	"github.com/kalambet/mhx/internal/synapse"
)

// cli carries state resolved once by the root command for its subcommands.
type cli struct {
	cfg     config.Config
	noColor bool
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "mhx",
		Short:         "Synapse table and feature-file helpers",
		Long:          "mhx queries Synapse tables, downloads their attached files, converts audio,\nuploads derived tables and records feature provenance.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			c.cfg = cfg
			if c.noColor {
				pterm.DisableColor()
			}
			setupLogging(cmd.ErrOrStderr(), cfg.Log.Level)
			return nil
		},
	}
	root.PersistentFlags().BoolVar(&c.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newLoginCmd(c),
		newLogoutCmd(c),
		newStatusCmd(c),
		newQueryCmd(c),
		newDownloadCmd(c),
		newCopyCmd(c),
		newWriteCmd(c),
		newConcatCmd(c),
		newConvertCmd(c),
		newProvenanceCmd(c),
		newRunCmd(c),
		newServeCmd(c),
		newMCPCmd(c),
		newConfigCmd(c),
	)
	return root
}

func setupLogging(w io.Writer, level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})))
}

// options maps the synapse.* config keys onto session options.
func (c *cli) options() synapse.Options {
	return synapse.Options{
		BaseURL:      c.cfg.Synapse.BaseURL,
		CacheDir:     c.cfg.Synapse.CacheDir,
		PollInterval: c.cfg.Synapse.PollInterval,
		PartSize:     int64(c.cfg.Synapse.PartSize),
		Timeout:      c.cfg.Synapse.Timeout,
		TokenCache:   config.NewTokenCache(),
	}
}

// session opens a session with the configured or cached access token.
func (c *cli) session(ctx context.Context) (*synapse.Session, error) {
	return synapse.Open(ctx, c.options(), synapse.Credentials{AuthToken: c.cfg.Synapse.AuthToken})
}

func (c *cli) converter() *audio.Converter {
	a := c.cfg.Audio
	return audio.NewConverter(a.Command, a.InputFlag, a.OutputFlag, a.TargetSuffix)
}
