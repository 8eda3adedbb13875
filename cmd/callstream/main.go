// Command callstream joins a call either as a monitor (prints the call's
// events) or as a streaming participant (microphone up, speaker down).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/callstream/internal/config"
	"github.com/vango-go/callstream/internal/device"
	"github.com/vango-go/callstream/internal/logging"
	callstream "github.com/vango-go/callstream/sdk"
)

// cliFlags holds flag values; only flags the user set override the config.
type cliFlags struct {
	configPath  string
	envFile     string
	server      string
	token       string
	mode        string
	target      string
	logLevel    string
	logFormat   string
	metricsAddr string
	noReconnect bool
}

func parseFlags(args []string, stderr io.Writer) (cliFlags, map[string]bool, error) {
	var f cliFlags
	fs := flag.NewFlagSet("callstream", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.configPath, "config", "", "path to a TOML config file")
	fs.StringVar(&f.envFile, "env-file", ".env", "dotenv file loaded before reading CALLSTREAM_* variables")
	fs.StringVar(&f.server, "server", "", "server base URL (http or https)")
	fs.StringVar(&f.token, "token", "", "API token sent as a bearer token")
	fs.StringVar(&f.mode, "mode", "", "stream or monitor")
	fs.StringVar(&f.target, "target", "", "assistant id (stream) or call sid (monitor)")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn, error or off")
	fs.StringVar(&f.logFormat, "log-format", "", "console or json")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fs.BoolVar(&f.noReconnect, "no-reconnect", false, "disable automatic reconnection")
	if err := fs.Parse(args); err != nil {
		return cliFlags{}, nil, err
	}
	set := map[string]bool{}
	fs.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
	if f.target == "" && fs.NArg() > 0 {
		f.target = fs.Arg(0)
		set["target"] = true
	}
	return f, set, nil
}

func loadConfig(f cliFlags, set map[string]bool) (config.Config, error) {
	if err := config.LoadDotEnv(f.envFile); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	apply := func(name string, dst *string, v string) {
		if set[name] {
			*dst = v
		}
	}
	apply("server", &cfg.Server, f.server)
	apply("token", &cfg.APIToken, f.token)
	apply("mode", &cfg.Mode, f.mode)
	apply("target", &cfg.Target, f.target)
	apply("log-level", &cfg.LogLevel, f.logLevel)
	apply("log-format", &cfg.LogFormat, f.logFormat)
	apply("metrics-addr", &cfg.MetricsAddr, f.metricsAddr)
	if set["no-reconnect"] && f.noReconnect {
		cfg.Reconnect.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// engineOptions maps the CLI config onto engine options; extra options are
// appended last so tests can swap devices.
func engineOptions(cfg config.Config, logger *zap.Logger, extra ...callstream.Option) []callstream.Option {
	mode := callstream.ModeMonitor
	if cfg.Mode == "stream" {
		mode = callstream.ModeStream
	}
	opts := []callstream.Option{
		callstream.WithServerURL(cfg.Server),
		callstream.WithAPIToken(cfg.APIToken),
		callstream.WithMode(mode),
		callstream.WithReconnectPolicy(cfg.Reconnect),
		callstream.WithLogger(logger),
		callstream.WithBootstrapRetries(cfg.BootstrapRetries, 0),
		callstream.WithConnectTimeout(cfg.ConnectTimeout),
		callstream.WithStartCallDelay(cfg.StartCallDelay),
	}
	if mode == callstream.ModeStream {
		opts = append(opts,
			callstream.WithTargetSampleRate(cfg.Audio.TargetRate),
			callstream.WithCapture(cfg.Audio.BlockSize, 0),
			callstream.WithMicrophone(&device.Mic{
				Path:        cfg.Audio.FFmpegPath,
				Rate:        cfg.Audio.InputRate,
				InputFormat: cfg.Audio.InputFormat,
				InputDevice: cfg.Audio.InputDevice,
				Logger:      logger,
			}),
			callstream.WithPlayer(&device.Speaker{Path: cfg.Audio.FFplayPath, Logger: logger}),
		)
	}
	return append(opts, extra...)
}

// run starts the session and blocks until it ends: call-end (monitor),
// reconnect exhaustion, ctx cancellation or a metrics server failure.
func run(ctx context.Context, cfg config.Config, logger *zap.Logger, out io.Writer, extra ...callstream.Option) error {
	engine, err := callstream.New(engineOptions(cfg, logger, extra...)...)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	finished := make(chan error, 1)
	finish := func(err error) {
		select {
		case finished <- err:
		default:
		}
	}
	newPrinter(out).attach(engine, finish)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		ms := newMetricsServer(cfg.MetricsAddr)
		g.Go(func() error { return ms.serve(gctx, logger) })
	}
	g.Go(func() error {
		defer cancel()
		if err := engine.Start(gctx, cfg.Target); err != nil {
			return err
		}
		defer engine.Stop()
		select {
		case <-gctx.Done():
			return nil
		case err := <-finished:
			return err
		}
	})
	return g.Wait()
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	f, set, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	cfg, err := loadConfig(f, set)
	if err != nil {
		fmt.Fprintf(stderr, "callstream: %v\n", err)
		return 1
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(stderr, "callstream: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting", zap.String("mode", cfg.Mode), zap.String("target", cfg.Target))
	if err := run(ctx, cfg, logger, stdout); err != nil {
		fmt.Fprintf(stderr, "callstream: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
