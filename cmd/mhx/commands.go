package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/kalambet/mhx/internal/config"
	"github.com/kalambet/mhx/internal/pipeline"
	"github.com/kalambet/mhx/internal/synapse"
	"github.com/kalambet/mhx/internal/table"
)

// --- login ---

func newLoginCmd(c *cli) *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in with username and password and cache the access token",
		Long: `Log in with username and password and cache the access token.

The password is read from the terminal, or from the first line of stdin when
stdin is not a terminal.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				username = c.cfg.Synapse.Username
			}
			if username == "" {
				return errors.New("--username is required (or set synapse.username)")
			}
			password, err := readPassword(cmd)
			if err != nil {
				return errors.Wrap(err, "reading password")
			}

			sess, err := synapse.Open(cmd.Context(), c.options(), synapse.Credentials{Username: username, Password: password})
			if err != nil {
				return err
			}
			defer sess.Close()

			p := sess.Profile()
			printSuccess(cmd.ErrOrStderr(), "Logged in as %s (%s)", p.UserName, p.OwnerID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "Synapse user name")
	return cmd
}

func readPassword(cmd *cobra.Command) (string, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		return string(b), err
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func newLogoutCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the cached access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.NewTokenCache().Clear(); err != nil {
				return err
			}
			printSuccess(cmd.ErrOrStderr(), "Cached access token removed")
			return nil
		},
	}
}

// --- status ---

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the configured endpoint and the logged-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			printStatus(out, "Endpoint", "%s", c.cfg.Synapse.BaseURL)
			printStatus(out, "Cache dir", "%s", c.cfg.Synapse.CacheDir)
			printStatus(out, "Data dir", "%s", c.cfg.Storage.DataDir)
			printStatus(out, "Converter", "%s %s <in> %s <out%s>", c.cfg.Audio.Command, c.cfg.Audio.InputFlag, c.cfg.Audio.OutputFlag, c.cfg.Audio.TargetSuffix)

			sess, err := c.session(cmd.Context())
			if err != nil {
				printWarning(cmd.ErrOrStderr(), "Not logged in: %v", err)
				return nil
			}
			defer sess.Close()
			p := sess.Profile()
			printStatus(out, "User", "%s (%s)", p.UserName, p.OwnerID)
			return nil
		},
	}
}

// --- query ---

func newQueryCmd(c *cli) *cobra.Command {
	var (
		limit   int
		csvPath string
	)
	cmd := &cobra.Command{
		Use:   "query <table_id>",
		Short: "Show the rows of a table, or save them as CSV",
		Long: `Show the rows of a table, or save them as CSV.

Examples:
  mhx query syn4590865 --limit 10
  mhx query syn4590865 --csv voice.csv`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := c.session(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Close()

			t, err := sess.QueryTable(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if csvPath != "" {
				if _, err := table.WriteCSV(t, csvPath); err != nil {
					return err
				}
				printSuccess(cmd.ErrOrStderr(), "Wrote %d rows to %s", t.Len(), csvPath)
				return nil
			}
			return printTable(cmd.OutOrStdout(), t, limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "rows to show (0 for all)")
	cmd.Flags().StringVar(&csvPath, "csv", "", "write all rows to this CSV file instead")
	return cmd
}

// --- download ---

func newDownloadCmd(c *cli) *cobra.Command {
	var (
		columns []string
		limit   int
		outDir  string
		row     int
	)
	cmd := &cobra.Command{
		Use:   "download <table_id>",
		Short: "Download the files attached to table columns",
		Long: `Download the files attached to FILEHANDLEID columns.

Each row is fetched with its own row version. With --row only that row is
downloaded and each file handle ID is mapped to its local path.

Examples:
  mhx download syn4590865 --columns audio_audio.m4a,audio_countdown.m4a --limit 3
  mhx download syn4590865 --columns audio_audio.m4a --row 0`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(columns) == 0 {
				return errors.New("--columns is required")
			}
			if outDir == "" {
				outDir = c.cfg.Synapse.CacheDir
			}
			sess, err := c.session(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Close()
			tableID := args[0]

			if row >= 0 {
				t, err := sess.QueryTable(cmd.Context(), tableID)
				if err != nil {
					return err
				}
				files, err := pipeline.ReadFilesFromRow(cmd.Context(), sess, tableID, t, row, columns, outDir)
				if err != nil {
					return err
				}
				handles := make([]string, 0, len(files))
				for h := range files {
					handles = append(handles, h)
				}
				sort.Strings(handles)
				pairs := make([][2]string, len(handles))
				for i, h := range handles {
					pairs[i] = [2]string{h, files[h]}
				}
				return printPairs(cmd.OutOrStdout(), [2]string{"FILE_HANDLE", "PATH"}, pairs)
			}

			t, files, err := pipeline.DownloadTableFiles(cmd.Context(), sess, tableID, columns, limit, outDir)
			if err != nil {
				return err
			}
			out, err := table.New(downloadColumns(columns), nil)
			if err != nil {
				return err
			}
			for ri := range files[0] {
				values := []any{t.Rows[ri].ID, t.Rows[ri].Version}
				for ci := range columns {
					values = append(values, nilIfEmpty(files[ci][ri]))
				}
				if err := out.Append(values...); err != nil {
					return err
				}
			}
			printSuccess(cmd.ErrOrStderr(), "Downloaded %d rows of %s to %s", out.Len(), tableID, outDir)
			return printTable(cmd.OutOrStdout(), out, 0)
		},
	}
	cmd.Flags().StringSliceVar(&columns, "columns", nil, "file columns to download")
	cmd.Flags().IntVar(&limit, "limit", 0, "only the first N rows (0 for all)")
	cmd.Flags().StringVar(&outDir, "out-dir", "", "destination directory (default synapse.cache_dir)")
	cmd.Flags().IntVar(&row, "row", -1, "download a single row by position")
	return cmd
}

func downloadColumns(columns []string) []table.Column {
	cols := []table.Column{
		{Name: "source_row", Type: table.TypeInteger},
		{Name: "source_version", Type: table.TypeInteger},
	}
	for _, c := range columns {
		cols = append(cols, table.Column{Name: c, Type: table.TypeLargeText})
	}
	return cols
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// --- copy / write / concat ---

func newCopyCmd(c *cli) *cobra.Command {
	var (
		name string
		drop []string
	)
	cmd := &cobra.Command{
		Use:   "copy <source_table> <dest_project>",
		Short: "Copy a table into a project, optionally dropping columns",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return errors.New("--name is required")
			}
			sess, err := c.session(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Close()

			t, id, err := pipeline.CopyTable(cmd.Context(), sess, args[0], args[1], name, drop)
			if err != nil {
				return err
			}
			printSuccess(cmd.ErrOrStderr(), "Copied %d rows of %s to %s", t.Len(), args[0], id)
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name of the new table")
	cmd.Flags().StringSliceVar(&drop, "drop", nil, "columns to leave out")
	return cmd
}

func newWriteCmd(c *cli) *cobra.Command {
	var name, like string
	cmd := &cobra.Command{
		Use:   "write <file.csv> <dest_project>",
		Short: "Upload a CSV file as a table",
		Long: `Upload a CSV file as a table. Column types are inferred from the data.
The table is named after the file unless --name is given.

Inference only sees the text: empty cells become null and a column of plain
numbers becomes numeric even if it was text. Pass --like <table_id> to read the
file with the columns of an existing table instead.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := c.session(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Close()

			var t *table.Table
			if like != "" {
				cols, err := sess.Columns(cmd.Context(), like)
				if err != nil {
					return err
				}
				t, err = table.ReadCSVAs(args[0], cols)
				if err != nil {
					return err
				}
			} else if t, err = table.ReadCSV(args[0]); err != nil {
				return err
			}
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}

			id, err := pipeline.WriteTable(cmd.Context(), sess, t, args[1], name)
			if err != nil {
				return err
			}
			printSuccess(cmd.ErrOrStderr(), "Uploaded %d rows as %q (%s)", t.Len(), name, id)
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "table name (default the file name)")
	cmd.Flags().StringVar(&like, "like", "", "read the file with the columns of this table")
	return cmd
}

func newConcatCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "concat <output.csv> <input.csv>...",
		Short: "Concatenate CSV files with the same columns",
		Long: `Concatenate CSV files with the same columns, in any order. Column types are
inferred over all inputs together and the output keeps the column order of
the first input.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs := args[1:]
			tables, err := table.ReadCSVFiles(inputs...)
			if err != nil {
				return err
			}
			out, err := pipeline.TablesToCSV(tables, args[0])
			if err != nil {
				return err
			}
			printSuccess(cmd.ErrOrStderr(), "Wrote %d rows from %d files to %s", out.Len(), len(inputs), args[0])
			return nil
		},
	}
}

// --- convert ---

func newConvertCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "convert <file>...",
		Short: "Convert audio files with the configured command",
		Long: `Convert audio files with the configured command (audio.command).

Inputs already ending in audio.target_suffix are passed through and existing
outputs are reused. One output path is printed per input, in order.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := c.converter().Convert(cmd.Context(), args)
			if err != nil {
				return err
			}
			for _, p := range out {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}

// --- provenance ---

func newProvenanceCmd(c *cli) *cobra.Command {
	var rec pipeline.ProvenanceRecord
	cmd := &cobra.Command{
		Use:   "provenance <tracking_table>",
		Short: "Upload feature files and record one provenance row",
		Long: `Upload a feature file and its raw counterpart and append one row to a
provenance tracking table.

Example:
  mhx provenance syn4899452 --feature-file f.csv --raw-feature-file raw.csv \
    --source-handle 4567 --command extract --command-line "extract -i a.wav"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if rec.FeatureFile == "" || rec.RawFeatureFile == "" {
				return errors.New("--feature-file and --raw-feature-file are required")
			}
			sess, err := c.session(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Close()

			id, err := pipeline.RecordFeatureProvenance(cmd.Context(), sess, rec, args[0])
			if err != nil {
				return err
			}
			printSuccess(cmd.ErrOrStderr(), "Recorded provenance in %s", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&rec.FeatureFile, "feature-file", "", "local feature file")
	cmd.Flags().StringVar(&rec.RawFeatureFile, "raw-feature-file", "", "local raw feature file")
	cmd.Flags().StringVar(&rec.SourceHandle, "source-handle", "", "file handle the features were computed from")
	cmd.Flags().StringVar(&rec.ActivityID, "activity-id", "", "activity ID")
	cmd.Flags().StringVar(&rec.Command, "command", "", "program that produced the features")
	cmd.Flags().StringVar(&rec.CommandLine, "command-line", "", "full command line")
	return cmd
}

// --- run ---

func newRunCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "run <job.yaml>",
		Short: "Run a download, convert and upload job file",
		Long: `Run a download, convert and upload job file.

Example job:
  source_table: syn4590865
  columns: [audio_audio.m4a]
  limit: 3
  out_dir: ./voice
  convert: true
  dest_project: syn4899451
  table_name: mPower phonation wav files`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := pipeline.LoadJob(args[0])
			if err != nil {
				return err
			}
			if job.OutDir == "" {
				job.OutDir = c.cfg.Synapse.CacheDir
			}
			sess, err := c.session(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Close()

			res, err := pipeline.RunJob(cmd.Context(), sess, c.converter(), job)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printStatus(out, "Downloaded", "%d", res.Downloaded)
			printStatus(out, "Uploaded", "%d", res.Uploaded)
			if res.TableID != "" {
				printStatus(out, "Table", "%s", res.TableID)
			}
			if res.ProvenanceRows > 0 {
				printStatus(out, "Provenance rows", "%d", res.ProvenanceRows)
			}
			return printTable(out, res.Files, 0)
		},
	}
}

// --- config ---

func newConfigCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or update configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pairs := [][2]string{}
			for _, k := range config.ShowAll(c.cfg) {
				pairs = append(pairs, [2]string{k.Key, k.Value})
			}
			if err := printPairs(cmd.OutOrStdout(), [2]string{"KEY", "VALUE"}, pairs); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config file: %s\n", config.ConfigFilePath())
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:       "set <key> <value>",
		Short:     "Set a configuration value",
		Args:      cobra.ExactArgs(2),
		ValidArgs: config.ValidKeys(),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]
			if err := config.SetKey(key, value); err != nil {
				return err
			}
			printSuccess(cmd.ErrOrStderr(), "Set %s = %s", key, value)
			return nil
		},
	})
	return cmd
}
