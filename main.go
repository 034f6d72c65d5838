// Program atallasim emulates the subset of an Atalla-style hardware security
// module that payment test rigs talk to: it accepts TCP connections, splits
// the byte stream into "<CODE#...>" frames and answers the four supported
// commands with canned headers, random digits and configurable status codes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"atallasim/admin"
	"atallasim/buffer"
	"atallasim/commands"
	"atallasim/config"
	"atallasim/events"
	"atallasim/faults"
	"atallasim/framing"
	"atallasim/randsrc"
	"atallasim/server"
	"atallasim/stats"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

const (
	envConfigPath     = "ATALLASIM_CONFIG"
	defaultConfigPath = "data/config"
)

// Version will be set at build time
var Version = "dev"

type cliFlags struct {
	configPath  string
	listen      string
	framing     string
	persistence string
	alphabet    string
	showVersion bool
}

// Purpose: Parse command-line flags.
// Key aspects: Uses a private FlagSet so tests can drive it without touching
// the process-wide flag state.
// Upstream: main.
// Downstream: flag.FlagSet.
func parseFlags(args []string, output io.Writer) (cliFlags, error) {
	var f cliFlags
	fs := flag.NewFlagSet("atallasim", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&f.configPath, "config", "", "config file or directory (env "+envConfigPath+")")
	fs.StringVar(&f.listen, "listen", "", "override server.listen (host:port)")
	fs.StringVar(&f.framing, "framing", "", "override protocol.framing (boundary, boundary_lf, boundary_crlf)")
	fs.StringVar(&f.persistence, "persistence", "", "override server.persistence (single, multiplexed)")
	fs.StringVar(&f.alphabet, "alphabet", "", "override responses.alphabet (hex, decimal)")
	fs.BoolVar(&f.showVersion, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	if fs.NArg() > 0 {
		return f, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return f, nil
}

// Purpose: Load configuration from flag, env, or default locations.
// Key aspects: An explicit path must exist; when only the default path is
// tried and missing, built-in defaults are used.
// Upstream: main startup.
// Downstream: config.Load and os.IsNotExist.
func loadConfig(flagPath string) (*config.Config, string, error) {
	explicit := strings.TrimSpace(flagPath)
	if explicit == "" {
		explicit = strings.TrimSpace(os.Getenv(envConfigPath))
	}
	if explicit != "" {
		cfg, err := config.Load(explicit)
		if err != nil {
			return nil, explicit, err
		}
		return cfg, cfg.LoadedFrom, nil
	}
	cfg, err := config.Load(defaultConfigPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config.Default(), "built-in defaults", nil
		}
		return nil, defaultConfigPath, err
	}
	return cfg, cfg.LoadedFrom, nil
}

// Purpose: Apply command-line overrides on top of the loaded config.
// Key aspects: Switching the alphabet resets the random length so the new
// alphabet's default applies; the result is re-validated.
// Upstream: main startup.
// Downstream: config.Finalize.
func applyOverrides(cfg *config.Config, f cliFlags) error {
	if v := strings.TrimSpace(f.listen); v != "" {
		cfg.Server.Listen = v
	}
	if v := strings.TrimSpace(f.framing); v != "" {
		cfg.Protocol.Framing = v
	}
	if v := strings.TrimSpace(f.persistence); v != "" {
		cfg.Server.Persistence = v
	}
	if v := strings.TrimSpace(f.alphabet); v != "" && !strings.EqualFold(v, cfg.Responses.Alphabet) {
		cfg.Responses.Alphabet = v
		cfg.Responses.RandomLength = 0
	}
	return cfg.Finalize()
}

// Purpose: Build the command processor for the configured contract.
// Key aspects: A seeded source makes command 93 payloads reproducible; the
// fault table feeds every status code.
// Upstream: main startup.
// Downstream: randsrc, commands.DefaultEntries, commands.NewProcessor.
func buildProcessor(cfg *config.Config, table *faults.Table) (*commands.Processor, error) {
	alphabet, err := randsrc.ParseAlphabet(cfg.Responses.Alphabet)
	if err != nil {
		return nil, err
	}
	conv, err := framing.ParseConvention(cfg.Protocol.Framing)
	if err != nil {
		return nil, err
	}
	mode, err := commands.ParseMatchMode(cfg.Protocol.MatchMode)
	if err != nil {
		return nil, err
	}
	var source randsrc.Source = randsrc.NewCrypto()
	if cfg.Responses.Seed != nil {
		source = randsrc.NewSeeded(*cfg.Responses.Seed)
	}
	entries := commands.DefaultEntries(commands.ResponseOptions{
		Random:         source,
		Status:         table,
		RandomAlphabet: alphabet,
		RandomLength:   cfg.Responses.RandomLength,
	})
	registry := commands.NewRegistry(mode, entries...)
	return commands.NewProcessor(registry, conv, cfg.BoundaryByte()), nil
}

// Purpose: Build the fault table from inline config and the optional file.
// Key aspects: The fault file, when present, replaces the inline values.
// Upstream: main startup.
// Downstream: faults.NewTable and Table.Apply.
func buildFaultTable(cfg *config.Config) (*faults.Table, error) {
	table, err := faults.NewTable(cfg.Faults.DefaultStatus, cfg.Faults.Commands)
	if err != nil {
		return nil, err
	}
	if path := strings.TrimSpace(cfg.Faults.File); path != "" {
		if err := table.Apply(path); err != nil {
			return nil, err
		}
	}
	return table, nil
}

// Purpose: Describe the running contract for the admin /status endpoint.
// Key aspects: Reads the fault table on each call so reloads are visible.
// Upstream: admin.Server status handler.
// Downstream: faults.Table.Snapshot.
func statusSummary(cfg *config.Config, table *faults.Table) admin.SummaryFunc {
	return func() admin.Summary {
		def, overrides := table.Snapshot()
		return admin.Summary{
			Listen:         cfg.Server.Listen,
			Framing:        cfg.Protocol.Framing,
			Boundary:       cfg.Protocol.Boundary,
			Trailing:       cfg.Protocol.Trailing,
			Persistence:    cfg.Server.Persistence,
			MatchMode:      cfg.Protocol.MatchMode,
			Alphabet:       cfg.Responses.Alphabet,
			MaxConnections: cfg.Server.MaxConnections,
			DefaultStatus:  def,
			Faults:         overrides,
		}
	}
}

func main() {
	flags, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "atallasim: %v\n", err)
		os.Exit(2)
	}
	if flags.showVersion {
		fmt.Println(Version)
		return
	}

	cfg, source, err := loadConfig(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := applyOverrides(cfg, flags); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid command-line override: %v\n", err)
		os.Exit(1)
	}

	logger, fanout, err := setupLogging(cfg.Logging, os.Stdout, term.IsTerminal(int(os.Stdout.Fd())))
	if err != nil {
		logger.Warn().Err(err).Msg("File logging disabled")
	}
	defer fanout.Close()

	logger.Info().Str("version", Version).Str("config", source).Msg("Atalla HSM simulator starting")
	if fanout.HasFileSink() {
		logger.Info().Str("dir", cfg.Logging.Dir).Int("retention_days", cfg.Logging.RetentionDays).Msg("File logging enabled")
	}
	cfg.Print()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Simulator exited with error")
		_ = fanout.Close()
		os.Exit(1)
	}
	logger.Info().Msg("Shutdown complete")
}

// Purpose: Wire every component and block until ctx is cancelled.
// Key aspects: The HSM listener must bind before the optional components
// start; any component failure cancels the rest.
// Upstream: main.
// Downstream: server.Server, admin.Server, faults.Watch, MQTT publisher,
// stats loop.
func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	table, err := buildFaultTable(cfg)
	if err != nil {
		return err
	}
	processor, err := buildProcessor(cfg, table)
	if err != nil {
		return err
	}

	tracker := stats.NewTracker()
	observers := events.Multi{
		events.NewLogObserver(logger.With().Str("component", "session").Logger()),
		tracker,
	}
	var history *buffer.RingBuffer
	if strings.TrimSpace(cfg.Admin.Listen) != "" {
		history = buffer.NewRingBuffer(cfg.Admin.HistorySize)
		observers = append(observers, history)
	}
	if cfg.Events.MQTT.Enabled {
		mqttOpts := events.MQTTOptions{
			Broker:      cfg.Events.MQTT.Broker,
			ClientID:    cfg.Events.MQTT.ClientID,
			TopicPrefix: cfg.Events.MQTT.TopicPrefix,
			QoS:         byte(cfg.Events.MQTT.QoS),
		}
		client, err := events.ConnectMQTT(mqttOpts)
		if err != nil {
			return err
		}
		publisher := events.NewMQTTPublisher(client, mqttOpts, logger.With().Str("component", "mqtt").Logger())
		defer publisher.Close()
		observers = append(observers, publisher)
		logger.Info().Str("broker", cfg.Events.MQTT.Broker).Str("topic", publisher.Topic("+")).Msg("MQTT event tap enabled")
	}

	opts := cfg.ServerOptions()
	opts.Observer = observers
	opts.Logger = logger.With().Str("component", "server").Logger()
	srv, err := server.NewServer(opts, processor)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := srv.Start(gctx); err != nil {
		return err
	}
	g.Go(func() error {
		<-gctx.Done()
		srv.Stop()
		return nil
	})

	if addr := strings.TrimSpace(cfg.Admin.Listen); addr != "" {
		adminSrv := admin.NewServer(addr, tracker, statusSummary(cfg, table), logger.With().Str("component", "admin").Logger())
		adminSrv.SetHistory(history)
		adminSrv.SetReady(true)
		g.Go(func() error {
			return adminSrv.Run(gctx)
		})
	}

	if cfg.Faults.Watch {
		g.Go(func() error {
			return faults.Watch(gctx, cfg.Faults.File, table, logger.With().Str("component", "faults").Logger())
		})
	}

	if cfg.Stats.IntervalSeconds > 0 {
		interval := time.Duration(cfg.Stats.IntervalSeconds) * time.Second
		g.Go(func() error {
			runStatsLoop(gctx, tracker, interval, logger.With().Str("component", "stats").Logger())
			return nil
		})
	}

	logger.Info().Str("addr", srv.Addr().String()).Msg("Simulator is running. Press Ctrl+C to stop.")
	return g.Wait()
}

// Purpose: Periodically log a human-readable counter summary.
// Key aspects: Skips ticks with no new frames after the first report.
// Upstream: run.
// Downstream: stats.Tracker.SnapshotLines.
func runStatsLoop(ctx context.Context, tracker *stats.Tracker, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var lastFrames uint64
	reported := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frames := tracker.Snapshot().Frames
			if reported && frames == lastFrames {
				continue
			}
			for _, line := range tracker.SnapshotLines() {
				logger.Info().Msg(line)
			}
			lastFrames = frames
			reported = true
		}
	}
}
