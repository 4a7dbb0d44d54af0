// Command strikewatch launches the strategy pricing engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/strikewatch/config"
	"github.com/coachpo/strikewatch/errs"
	"github.com/coachpo/strikewatch/internal/bus/eventbus"
	"github.com/coachpo/strikewatch/internal/engine"
	"github.com/coachpo/strikewatch/internal/feed"
	"github.com/coachpo/strikewatch/internal/feed/fakefeed"
	"github.com/coachpo/strikewatch/internal/observability"
	"github.com/coachpo/strikewatch/internal/syncclient"
	"github.com/coachpo/strikewatch/lib/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	loggerPrefix             = "strikewatch "
	shutdownTimeout          = 30 * time.Second
	engineShutdownTimeout    = 10 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	busShutdownTimeout       = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newLogger()
	observability.SetLogger(stdLogger{logger})

	configPath := resolveConfigPath(cfgPathFlag)
	cfg, loadedFromFile, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults with environment overrides")
	}
	logger.Printf("configuration initialised: env=%s, feed=%s", cfg.Environment, cfg.Feed.Provider)

	telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	if cfg.Telemetry.OTLPEndpoint != "" {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	} else {
		logger.Print("telemetry disabled")
	}

	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{BufferSize: cfg.Bus.BufferSize})

	eng, err := engine.New(cfg, bus, sessionFactory(cfg), engine.Options{})
	if err != nil {
		logger.Fatalf("initialise engine: %v", err)
	}
	logger.Printf("engine started: feed=%s debounce=%s", cfg.Feed.Provider, cfg.Debounce.Window)

	var lifecycle conc.WaitGroup
	remote := syncclient.New(cfg.Sync, bus, eng)
	lifecycle.Go(func() {
		if err := remote.Run(ctx); err != nil {
			logger.Printf("remote sync stopped: %v", err)
		}
	})
	if cfg.Sync.URL != "" {
		logger.Printf("remote sync enabled: %s", cfg.Sync.URL)
	}

	logger.Print("strikewatch started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, cancel, eng, &lifecycle, bus, telemetryShutdown)
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newLogger() *log.Logger {
	return log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

// sessionFactory selects the market-data session implementation. Only the
// synthetic feed ships in this binary; a production feed adapter plugs in
// here.
func sessionFactory(cfg config.Settings) engine.SessionFactory {
	return func(handler feed.Handler) (feed.Session, error) {
		switch cfg.Feed.Provider {
		case "fake", "":
			return fakefeed.New(fakefeed.Options{TickInterval: cfg.Feed.TickInterval}, handler), nil
		default:
			return nil, errs.New("main", errs.CodeInvalid, errs.WithMessage("unknown feed provider: "+cfg.Feed.Provider))
		}
	}
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, mainCancel context.CancelFunc, eng *engine.Engine, lifecycle *conc.WaitGroup, bus *eventbus.MemoryBus, telemetryShutdown func(context.Context) error) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	shutdownStep("stopping engine", engineShutdownTimeout, func(stepCtx context.Context) error {
		return eng.Close(stepCtx)
	})

	logger.Print("shutdown: cancelling main context")
	mainCancel()

	shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			lifecycle.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
		}
	})

	shutdownStep("closing event bus", busShutdownTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			bus.Close()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return stepCtx.Err()
		}
	})

	if telemetryShutdown != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, telemetryShutdown)
	}
}

// stdLogger adapts the standard logger to the observability interface.
type stdLogger struct {
	l *log.Logger
}

func (s stdLogger) Debug(string, ...observability.Field) {}

func (s stdLogger) Info(msg string, fields ...observability.Field) {
	s.l.Printf("%s%s", msg, formatFields(fields))
}

func (s stdLogger) Error(msg string, fields ...observability.Field) {
	s.l.Printf("ERROR %s%s", msg, formatFields(fields))
}

func formatFields(fields []observability.Field) string {
	if len(fields) == 0 {
		return ""
	}
	out := ""
	for _, f := range fields {
		out += fmt.Sprintf(" %s=%v", f.Key, f.Value)
	}
	return out
}
