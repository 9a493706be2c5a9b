// Package bridge wires together the frame I/O, session, supervisor and router
// packages into the runnable mcpgate process, and owns process-level concerns:
// argument parsing, environment overrides and signal-driven shutdown.
package bridge

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"

	"github.com/viant/mcpgate/internal/frameio"
	"github.com/viant/mcpgate/internal/queue"
	"github.com/viant/mcpgate/internal/router"
	"github.com/viant/mcpgate/internal/session"
	"github.com/viant/mcpgate/internal/supervisor"
)

// Run parses args, wires the bridge and blocks until stdin closes. A shutdown signal
// runs the supervisor's shutdown sequence and then exits the process with status 0.
func Run(args []string) error {
	// A .env file in the working directory is optional; its absence is not an error.
	_ = godotenv.Load()

	options := &Options{}
	if _, err := flags.ParseArgs(options, args); err != nil {
		return err
	}
	if err := options.Validate(); err != nil {
		return err
	}

	cfg := session.NewConfig(options.Args.URL)
	applyEnvOverrides(&cfg)

	debug := frameio.NewDebug(os.Stderr, cfg.Debug)
	out := frameio.NewWriter(os.Stdout)
	q := queue.New()
	sess := session.New()
	httpClient := &http.Client{}

	sup := supervisor.New(cfg, sess, q, out, debug, httpClient)
	rt := router.New(sup, out, debug)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		debug.Printf("shutdown signal received")
		sup.Shutdown(ctx)
		cancel()
		os.Exit(0)
	}()

	sup.Start(ctx)

	return readStdin(ctx, os.Stdin, rt)
}

// readStdin blocks reading lines from r, routing each to the frame router, until r
// closes, ctx is cancelled, or a fatal read error occurs.
func readStdin(ctx context.Context, r *os.File, rt *router.Router) error {
	lines := frameio.NewLineReader(r)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		line, ok := lines.Next()
		if !ok {
			break
		}
		if line == "" {
			continue
		}
		rt.HandleClientLine(line)
	}
	if err := lines.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *session.Config) {
	if v := os.Getenv("MCPGATE_BASE_RECONNECT_DELAY_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.BaseReconnectDelay = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("MCPGATE_RECONNECT_DELAY_CAP_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.ReconnectDelayCap = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("MCPGATE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxAttempts = n
		}
	}
	if v := os.Getenv("MCPGATE_RECOVERY_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.RecoveryInterval = time.Duration(ms) * time.Millisecond
		}
	}
}
