package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-faster/errors"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/mhx/internal/api"
	"github.com/kalambet/mhx/internal/storage"
)

const shutdownTimeout = 5 * time.Second

// serveOptions seed the emulator so a fresh data dir is usable right away.
type serveOptions struct {
	addr         string
	publicURL    string
	seedUser     string
	seedPassword string
	seedProject  string
}

func newServeCmd(c *cli) *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local Synapse emulator (foreground)",
		Long: `Run a local server that speaks the subset of the Synapse REST API mhx uses.

State lives in SQLite under storage.data_dir. Point a client at it with
  mhx config set synapse.base_url http://127.0.0.1:4100

Example:
  mhx serve --user alice --password secret --project Voice`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.addr == "" {
				opts.addr = fmt.Sprintf("127.0.0.1:%d", c.cfg.Server.Port)
			}
			store, err := storage.Open(c.cfg.Storage.DataDir)
			if err != nil {
				return errors.Wrap(err, "opening storage")
			}
			defer func() {
				if err := store.Close(); err != nil {
					printWarning(cmd.ErrOrStderr(), "closing storage: %v", err)
				}
			}()

			if err := seed(cmd.Context(), store, opts, cmd.ErrOrStderr()); err != nil {
				return err
			}
			ln, err := net.Listen("tcp", opts.addr)
			if err != nil {
				return errors.Wrapf(err, "listen on %s", opts.addr)
			}
			printSuccess(cmd.ErrOrStderr(), "mhx %s emulator listening on %s", version, ln.Addr())
			return serveEmulator(cmd.Context(), ln, api.EmulatorDeps{Store: store, PublicURL: opts.publicURL})
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "listen address (default 127.0.0.1:<server.port>)")
	cmd.Flags().StringVar(&opts.publicURL, "public-url", "", "base URL put into pre-signed links (default from the request host)")
	cmd.Flags().StringVar(&opts.seedUser, "user", "", "create or reset this user")
	cmd.Flags().StringVar(&opts.seedPassword, "password", "", "password for --user")
	cmd.Flags().StringVar(&opts.seedProject, "project", "", "create this project if it does not exist")
	return cmd
}

// seed creates the --user and --project given on the command line.
func seed(ctx context.Context, store *storage.Store, opts serveOptions, w io.Writer) error {
	if opts.seedUser != "" {
		if opts.seedPassword == "" {
			return errors.New("--password is required with --user")
		}
		u, err := store.CreateUser(ctx, opts.seedUser, opts.seedPassword)
		if err != nil {
			return errors.Wrapf(err, "seeding user %q", opts.seedUser)
		}
		printStatus(w, "User", "%s (%d)", u.UserName, u.ID)
	}
	if opts.seedProject != "" {
		id, err := store.ChildID(ctx, "", opts.seedProject)
		if errors.Is(err, storage.ErrNotFound) {
			var p storage.Entity
			p, err = store.CreateEntity(ctx, storage.Entity{Name: opts.seedProject, ConcreteType: api.ProjectType})
			id = p.ID
		}
		if err != nil {
			return errors.Wrapf(err, "seeding project %q", opts.seedProject)
		}
		printStatus(w, "Project", "%s (%s)", opts.seedProject, id)
	}
	return nil
}

// serveEmulator serves on ln until ctx is done, then shuts down gracefully.
func serveEmulator(ctx context.Context, ln net.Listener, deps api.EmulatorDeps) error {
	srv := &http.Server{
		Handler:           api.NewEmulatorHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server error")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down emulator")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// --- mcp ---

func newMCPCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve mhx tools over MCP (stdio)",
		Long: `Serve mhx tools to an MCP client over stdin and stdout.

Tools: query_table, download_files, convert_audio, concat_csv and
record_provenance. Each tool call opens its own session with the configured
or cached access token. Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mcpSrv := api.NewMCPServer(api.MCPDeps{
				Open: func(ctx context.Context) (api.MCPSession, error) {
					return c.session(ctx)
				},
				Converter: c.converter(),
				OutDir:    c.cfg.Synapse.CacheDir,
			})
			slog.Info("MCP server started (stdio transport)")
			stdio := server.NewStdioServer(mcpSrv)
			if err := stdio.Listen(cmd.Context(), os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				return errors.Wrap(err, "MCP stdio server")
			}
			return nil
		},
	}
}
