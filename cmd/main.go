package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/filipc77/cowrite/internal/comments"
	"github.com/filipc77/cowrite/internal/config"
	"github.com/filipc77/cowrite/internal/delivery"
	"github.com/filipc77/cowrite/internal/mcpserver"
	"github.com/filipc77/cowrite/internal/watcher"
	"github.com/filipc77/cowrite/internal/web"
	"github.com/filipc77/cowrite/internal/workspace"
)

const version = "0.1.0"

var (
	loadDotEnv    = godotenv.Load
	defaultListen = (*http.Server).ListenAndServe
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "cowrite",
		Usage:   "anchored review comments shared between the filesystem, a web UI, and a coding agent",
		Version: version,
		Commands: []*cli.Command{
			serveCommand(),
			mcpCommand(),
		},
	}
}

// overrideFlags lets the common settings be passed on the command line
// instead of the environment. They are pushed into the environment before
// config.Load so both paths go through the same validation.
func overrideFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Usage:   "Port for the review UI",
		},
		&cli.StringFlag{
			Name:    "root",
			Aliases: []string{"r"},
			Usage:   "Workspace root to watch",
		},
		&cli.StringFlag{
			Name:  "data-file",
			Usage: "Comment snapshot file, relative paths resolve under the root",
		},
	}
}

func applyOverrides(c *cli.Context) {
	if c.IsSet("port") {
		os.Setenv("COWRITE_PORT", strconv.Itoa(c.Int("port")))
	}
	if c.IsSet("root") {
		os.Setenv("COWRITE_ROOT", c.String("root"))
	}
	if c.IsSet("data-file") {
		os.Setenv("COWRITE_DATA_FILE", c.String("data-file"))
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the review UI and file watcher",
		Flags: overrideFlags(),
		Action: func(c *cli.Context) error {
			applyOverrides(c)
			cfg, err := setup()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return runServe(ctx, cfg, defaultListen)
		},
	}
}

func mcpCommand() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Start the MCP server on stdio alongside the review UI",
		Flags: overrideFlags(),
		Action: func(c *cli.Context) error {
			applyOverrides(c)
			cfg, err := setup()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return runMCP(ctx, cfg, defaultListen)
		},
	}
}

// setup loads .env and the environment configuration and configures logging.
// Logs go to stderr; in mcp mode stdout belongs to the transport.
func setup() (*config.Config, error) {
	_ = loadDotEnv()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("COWRITE_LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("received shutdown signal")
		cancel()
	}()

	return ctx, cancel
}

// engine bundles the components both commands share: the comment store, the
// workspace it anchors into, the change watcher, and the UI surface.
type engine struct {
	store  *comments.Store
	ws     *workspace.Workspace
	watch  *watcher.Watcher
	hub    *web.Hub
	router *mux.Router
}

func buildEngine(cfg *config.Config) (*engine, error) {
	store := comments.NewStore(cfg.DataFile, cfg.ReloadGuard)

	ws, err := workspace.New(cfg.Root, store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open workspace: %w", err)
	}

	watch, err := watcher.New(ws, store, cfg.DataFile, cfg.WatchDebounce)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watch.Start(); err != nil {
		watch.Close()
		store.Close()
		return nil, fmt.Errorf("failed to start watcher: %w", err)
	}

	hub := web.NewHub(store.Events())
	go hub.Run()

	handler, err := web.NewHandler(store, ws, hub)
	if err != nil {
		watch.Close()
		hub.Stop()
		store.Close()
		return nil, fmt.Errorf("failed to initialize web handler: %w", err)
	}
	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	return &engine{store: store, ws: ws, watch: watch, hub: hub, router: router}, nil
}

func (e *engine) shutdown() {
	e.watch.Close()
	e.hub.Stop()
	e.store.Close()
}

// runServe blocks until the context is cancelled or the listener fails.
func runServe(ctx context.Context, cfg *config.Config, listen func(*http.Server) error) error {
	eng, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.shutdown()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: eng.router,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := listen(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Info().Int("port", cfg.Port).Str("root", cfg.Root).Msg("review UI listening")

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runMCP serves MCP tools on stdio while the review UI keeps running on its
// port. A second cowrite process against the same data file stays consistent
// through snapshot reloads.
func runMCP(ctx context.Context, cfg *config.Config, listen func(*http.Server) error) error {
	eng, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.shutdown()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: eng.router,
	}
	go func() {
		// The UI is best effort here. If another cowrite process holds
		// the port, the MCP side still has to come up.
		if err := listen(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("review UI not available")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	waiter := delivery.NewWaiter(eng.store)
	mcpSrv := mcpserver.New(eng.store, eng.ws, waiter, cfg.DefaultWaitTimeout)

	log.Info().Int("port", cfg.Port).Str("dataFile", cfg.DataFile).Msg("MCP server starting on stdio")
	if err := mcpSrv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}
