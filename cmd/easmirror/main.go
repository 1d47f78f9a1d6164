// easmirror keeps a local mirror of an Exchange ActiveSync calendar. It
// connects to the server with Basic auth, discovers the calendar folder, and
// pulls event deltas into an on-disk cache that stays readable offline.
//
// Usage:
//
//	easmirror connect --server <url> --user <name>   # verify account, discover calendar
//	easmirror sync                                   # single sync pass then exit
//	easmirror daemon                                 # scheduled sync + status API
//	easmirror create --subject ... --start ...       # submit a new event
//	easmirror status                                 # show session and cache state
//	easmirror disconnect                             # forget account and cached data
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"

	"easmirror/internal/config"
	"easmirror/internal/creds"
	"easmirror/internal/eas"
	"easmirror/internal/model"
	"easmirror/internal/state"
	syncp "easmirror/internal/sync"
	"easmirror/internal/telemetry"
	"easmirror/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	cliApp := &cli.App{
		Name:    "easmirror",
		Usage:   "Mirror an Exchange ActiveSync calendar into a local cache.",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to config.yaml"},
			&cli.BoolFlag{Name: "verbose", Usage: "enable debug logging"},
		},
		Commands: []*cli.Command{
			connectCommand(),
			disconnectCommand(),
			syncCommand(),
			daemonCommand(),
			createCommand(),
			statusCommand(),
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func setupLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// app bundles everything a subcommand needs.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	engine *syncp.Engine
	store  *state.Store
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("closing state DB", "error", err)
	}
}

// buildApp wires the credential store, state DB, protocol factory, and engine
// together from the CLI context.
func buildApp(c *cli.Context) (*app, error) {
	logger := setupLogger(c.Bool("verbose"))

	cfgPath := c.String("config")
	if cfgPath == "" {
		var err error
		cfgPath, err = config.DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	credDir, err := creds.DefaultDir()
	if err != nil {
		return nil, err
	}
	credStore, err := creds.NewStore(credDir)
	if err != nil {
		return nil, fmt.Errorf("opening credential store: %w", err)
	}
	device, err := creds.NewDeviceIdentity(credDir)
	if err != nil {
		return nil, fmt.Errorf("opening device identity: %w", err)
	}

	dbPath := cfg.StateDBPath
	if dbPath == "" {
		dbPath, err = state.DefaultDBPath()
		if err != nil {
			return nil, err
		}
	}
	store, err := state.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening state DB at %q: %w", dbPath, err)
	}
	logger.Debug("state DB opened", "path", dbPath)

	engine := syncp.New(syncp.Config{
		Credentials: credStore,
		Store:       store,
		Device:      device,
		NewProtocol: func(account model.Credentials) (syncp.Protocol, error) {
			return eas.NewClient(account, cfg.DeviceType, logger)
		},
		DeviceType: cfg.DeviceType,
		Logger:     logger,
	})

	return &app{cfg: cfg, logger: logger, engine: engine, store: store}, nil
}

// setupTelemetry initialises OTel export when the config asks for it. The
// returned function flushes providers and is safe to defer unconditionally.
func setupTelemetry(cfg *config.Config, logger *slog.Logger) func() {
	if cfg.Telemetry == nil {
		return func() {}
	}
	shutdown, err := telemetry.Setup(context.Background(), telemetry.Config{
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Insecure:     cfg.Telemetry.Insecure,
		ServiceName:  cfg.Telemetry.ServiceName,
		Headers:      cfg.Telemetry.Headers,
	})
	if err != nil {
		logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		return func() {}
	}
	logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
	return func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}

// --- Subcommands -------------------------------------------------------------

func connectCommand() *cli.Command {
	return &cli.Command{
		Name:  "connect",
		Usage: "Verify the server and account, then discover the calendar folder.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Usage: "ActiveSync server URL (or EAS_SERVER_URL)", EnvVars: []string{"EAS_SERVER_URL"}},
			&cli.StringFlag{Name: "user", Usage: "account username (or EAS_USERNAME)", EnvVars: []string{"EAS_USERNAME"}},
			&cli.StringFlag{Name: "password", Usage: "account password (or EAS_PASSWORD; prompted if unset)", EnvVars: []string{"EAS_PASSWORD"}},
		},
		Action: func(c *cli.Context) error {
			a, err := buildApp(c)
			if err != nil {
				return err
			}
			defer a.close()

			serverURL := c.String("server")
			username := c.String("user")
			if serverURL == "" || username == "" {
				return fmt.Errorf("--server and --user are required")
			}
			password := c.String("password")
			if password == "" {
				fmt.Fprint(os.Stderr, "Password: ")
				line, err := bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil {
					return fmt.Errorf("reading password: %w", err)
				}
				password = strings.TrimSpace(line)
			}
			if password == "" {
				return fmt.Errorf("a password is required")
			}

			ctx, stop := signalContext()
			defer stop()

			if err := a.engine.Connect(ctx, serverURL, username, password); err != nil {
				return fmt.Errorf("connecting to %q: %w", serverURL, err)
			}
			fmt.Println("Connected. Running initial sync...")

			if err := a.engine.SyncEvents(ctx); err != nil {
				return fmt.Errorf("initial sync: %w", err)
			}
			fmt.Printf("Done. %d events cached.\n", len(a.engine.CachedEvents()))
			return nil
		},
	}
}

func disconnectCommand() *cli.Command {
	return &cli.Command{
		Name:  "disconnect",
		Usage: "Forget the stored account, sync cursors, and cached events.",
		Action: func(c *cli.Context) error {
			a, err := buildApp(c)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext()
			defer stop()

			if err := a.engine.Disconnect(ctx); err != nil {
				return err
			}
			fmt.Println("Disconnected.")
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run a single sync pass and exit.",
		Action: func(c *cli.Context) error {
			a, err := buildApp(c)
			if err != nil {
				return err
			}
			defer a.close()
			defer setupTelemetry(a.cfg, a.logger)()

			ctx, stop := signalContext()
			defer stop()

			if err := a.engine.Resume(ctx); err != nil {
				return fmt.Errorf("resuming session: %w", err)
			}
			if err := a.engine.SyncEvents(ctx); err != nil {
				return err
			}
			fmt.Printf("Sync complete. %d events cached.\n", len(a.engine.CachedEvents()))
			return nil
		},
	}
}

func daemonCommand() *cli.Command {
	return &cli.Command{
		Name:  "daemon",
		Usage: "Sync on the configured schedule and serve the status API.",
		Action: func(c *cli.Context) error {
			a, err := buildApp(c)
			if err != nil {
				return err
			}
			defer a.close()
			defer setupTelemetry(a.cfg, a.logger)()

			ctx, stop := signalContext()
			defer stop()

			if err := a.engine.Resume(ctx); err != nil {
				return fmt.Errorf("resuming session: %w", err)
			}
			if !a.engine.IsConnected() {
				return fmt.Errorf("no stored account; run 'easmirror connect' first")
			}

			return runDaemon(ctx, a)
		},
	}
}

// runDaemon drives scheduled sync passes and the status API until ctx is
// cancelled. Transient network failures are retried with backoff inside a
// pass; a pass that still fails waits for the next scheduled slot.
func runDaemon(ctx context.Context, a *app) error {
	syncPass := func() {
		err := eas.Retry(ctx, eas.DefaultMaxAttempts, func() error {
			return a.engine.SyncEvents(ctx)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("scheduled sync failed", "error", err)
		}
	}

	sched := cron.New()
	if _, err := sched.AddFunc(a.cfg.Schedule, syncPass); err != nil {
		return fmt.Errorf("installing schedule %q: %w", a.cfg.Schedule, err)
	}

	srv := &http.Server{
		Addr:    a.cfg.Listen,
		Handler: web.NewServer(a.engine, a.logger).Handler(),
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("status API listening", "addr", a.cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	a.logger.Info("daemon starting", "schedule", a.cfg.Schedule)
	sched.Start()
	syncPass() // initial pass; don't wait for the first cron slot

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}

	stopCtx := sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		a.logger.Error("HTTP server shutdown", "error", serr)
	}
	<-stopCtx.Done()

	a.logger.Info("shutdown complete")
	return err
}

func createCommand() *cli.Command {
	return &cli.Command{
		Name:  "create",
		Usage: "Submit a new event to the server.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "subject", Required: true, Usage: "event subject"},
			&cli.TimestampFlag{Name: "start", Required: true, Layout: time.RFC3339, Usage: "start time (RFC 3339)"},
			&cli.TimestampFlag{Name: "end", Required: true, Layout: time.RFC3339, Usage: "end time (RFC 3339)"},
			&cli.StringFlag{Name: "location", Usage: "event location"},
			&cli.StringFlag{Name: "body", Usage: "event description"},
			&cli.BoolFlag{Name: "all-day", Usage: "mark as an all-day event"},
		},
		Action: func(c *cli.Context) error {
			a, err := buildApp(c)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext()
			defer stop()

			if err := a.engine.Resume(ctx); err != nil {
				return fmt.Errorf("resuming session: %w", err)
			}

			start := c.Timestamp("start")
			end := c.Timestamp("end")
			if end.Before(*start) {
				return fmt.Errorf("--end precedes --start")
			}

			clientID, err := a.engine.CreateEvent(ctx, &model.CalendarEvent{
				Subject:  c.String("subject"),
				Location: c.String("location"),
				Body:     c.String("body"),
				Start:    *start,
				End:      *end,
				AllDay:   c.Bool("all-day"),
			})
			if err != nil {
				return err
			}
			fmt.Printf("Event submitted (client id %s). It appears in the cache after the next sync.\n", clientID)
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show session and cache state.",
		Action: func(c *cli.Context) error {
			a, err := buildApp(c)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext()
			defer stop()

			if err := a.engine.Resume(ctx); err != nil {
				return fmt.Errorf("resuming session: %w", err)
			}

			fmt.Println("easmirror status")
			fmt.Printf("  State:         %s\n", a.engine.State())
			if !a.engine.IsConnected() {
				fmt.Println("  Account:       none (run 'easmirror connect')")
				return nil
			}
			if t := a.engine.LastSyncDate(); !t.IsZero() {
				fmt.Printf("  Last sync:     %s\n", t.Local().Format(time.RFC1123))
			} else {
				fmt.Println("  Last sync:     never")
			}
			fmt.Printf("  Cached events: %d\n", len(a.engine.CachedEvents()))

			today := a.engine.EventsOn(time.Now())
			fmt.Printf("  Today:         %d event(s)\n", len(today))
			for _, ev := range today {
				fmt.Printf("    %s  %s\n", ev.Start.Local().Format("15:04"), ev.Subject)
			}
			return nil
		},
	}
}
