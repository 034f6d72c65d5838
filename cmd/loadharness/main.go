package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"atallasim/commands"
	"atallasim/framing"
	"atallasim/randsrc"
	"atallasim/server"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// loadharness drives concurrent clients against a simulator to provide a
// repeatable load for profiling. With no -addr it starts an in-process
// server on a loopback port so no external setup is needed.
func main() {
	var (
		addr        = flag.String("addr", "", "simulator address; empty starts an in-process server")
		clients     = flag.Int("clients", 16, "concurrent connections")
		runFor      = flag.Duration("duration", 10*time.Second, "how long to run the load")
		conv        = flag.String("framing", string(framing.Boundary), "framing convention")
		pipeline    = flag.Int("pipeline", 1, "frames written per round trip (1 = strict request/response)")
		exchTimeout = flag.Duration("timeout", 5*time.Second, "per-exchange timeout")
	)
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	convention, err := framing.ParseConvention(*conv)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid framing")
	}
	if *clients <= 0 || *runFor <= 0 || *pipeline <= 0 {
		logger.Fatal().Msg("clients, duration and pipeline must be > 0")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *runFor)
	defer cancel()

	target := *addr
	if target == "" {
		srv, err := startInProcess(ctx, convention, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("In-process server failed")
		}
		defer srv.Stop()
		target = srv.Addr().String()
	}

	logger.Info().Str("addr", target).Int("clients", *clients).Dur("duration", *runFor).
		Int("pipeline", *pipeline).Str("framing", string(convention)).Msg("loadharness: starting")

	h := &harness{
		addr:       target,
		convention: convention,
		boundary:   framing.DefaultBoundary,
		pipeline:   *pipeline,
		timeout:    *exchTimeout,
		exchanges:  atomic.NewUint64(0),
		failures:   atomic.NewUint64(0),
	}
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *clients; i++ {
		g.Go(func() error { return h.runClient(gctx) })
	}
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("loadharness: client failed")
	}
	elapsed := time.Since(start)

	p50, p99 := h.percentiles()
	logger.Info().Msg("loadharness: complete")
	fmt.Printf("exchanges=%s failures=%s throughput=%.1f/s p50=%s p99=%s\n",
		humanize.Comma(int64(h.exchanges.Load())), humanize.Comma(int64(h.failures.Load())),
		float64(h.exchanges.Load())/elapsed.Seconds(), p50, p99)
}

func startInProcess(ctx context.Context, convention framing.Convention, logger zerolog.Logger) (*server.Server, error) {
	registry := commands.NewRegistry(commands.MatchSubstring, commands.DefaultEntries(commands.ResponseOptions{
		Random: randsrc.NewSeeded(1),
	})...)
	processor := commands.NewProcessor(registry, convention, framing.DefaultBoundary)
	srv, err := server.NewServer(server.Options{
		Listen: "127.0.0.1:0",
		Logger: logger.Level(zerolog.WarnLevel),
	}, processor)
	if err != nil {
		return nil, err
	}
	if err := srv.Start(ctx); err != nil {
		return nil, err
	}
	return srv, nil
}

var workload = []string{"<93#D#6#", "<30#PAN#KEY#", "<37#OLD#NEW#", "<32#PIN#"}

type harness struct {
	addr       string
	convention framing.Convention
	boundary   byte
	pipeline   int
	timeout    time.Duration

	exchanges *atomic.Uint64
	failures  *atomic.Uint64

	mu        sync.Mutex
	latencies []time.Duration
}

func (h *harness) runClient(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", h.addr)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil
		}
		return err
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	reader := bufio.NewReader(conn)
	term := framing.Terminator(h.convention, h.boundary)
	var local []time.Duration
	defer func() {
		h.mu.Lock()
		h.latencies = append(h.latencies, local...)
		h.mu.Unlock()
	}()

	for seq := 0; ctx.Err() == nil; seq++ {
		var batch []byte
		for i := 0; i < h.pipeline; i++ {
			batch = append(batch, framing.Terminate([]byte(workload[(seq+i)%len(workload)]), h.convention, h.boundary)...)
		}
		_ = conn.SetDeadline(time.Now().Add(h.timeout))
		start := time.Now()
		if _, err := conn.Write(batch); err != nil {
			return h.clientErr(ctx, err)
		}
		for i := 0; i < h.pipeline; i++ {
			if err := readUntil(reader, term); err != nil {
				return h.clientErr(ctx, err)
			}
		}
		local = append(local, time.Since(start))
		h.exchanges.Add(uint64(h.pipeline))
	}
	return nil
}

func (h *harness) clientErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	h.failures.Inc()
	return err
}

func readUntil(r *bufio.Reader, term []byte) error {
	last := term[len(term)-1]
	var buf []byte
	for {
		chunk, err := r.ReadSlice(last)
		buf = append(buf, chunk...)
		if err != nil {
			return err
		}
		if len(buf) >= len(term) && string(buf[len(buf)-len(term):]) == string(term) {
			return nil
		}
	}
}

func (h *harness) percentiles() (time.Duration, time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.latencies) == 0 {
		return 0, 0
	}
	sorted := append([]time.Duration(nil), h.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	at := func(q float64) time.Duration {
		return sorted[int(q*float64(len(sorted)-1))]
	}
	return at(0.50), at(0.99)
}
