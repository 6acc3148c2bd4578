package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/astromechza/linesync/pkg/api"
	"github.com/astromechza/linesync/pkg/archive"
	"github.com/astromechza/linesync/pkg/config"
	"github.com/astromechza/linesync/pkg/events"
	"github.com/astromechza/linesync/pkg/liveness"
	"github.com/astromechza/linesync/pkg/notify"
	"github.com/astromechza/linesync/pkg/state"
	"github.com/astromechza/linesync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	fs := pflag.NewFlagSet("server", pflag.ExitOnError)
	config.Flags(fs)
	_ = fs.Parse(os.Args[1:])
	cfg, err := config.Load(fs)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()})))

	slog.Info("Opening archive", "path", cfg.Archive.Path)
	arch, err := archive.Open(cfg.Archive.Path)
	if err != nil {
		return err
	}
	defer arch.Close()

	var publisher events.Publisher = events.LogPublisher{}
	var dispatcher *events.KafkaDispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := events.NewKafkaProducer(cfg.Kafka.Brokers)
		if err != nil {
			return fmt.Errorf("failed to connect to kafka: %w", err)
		}
		dispatcher = events.NewKafkaDispatcher(producer, cfg.Kafka.Topic, events.DefaultKafkaDispatcherOptions())
		publisher = dispatcher
		slog.Info("Publishing changes to kafka", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	var tracker liveness.Tracker = liveness.NewMemoryTracker(cfg.Liveness.TTL)
	if cfg.Liveness.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Liveness.RedisAddr})
		defer rdb.Close()
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			return fmt.Errorf("failed to reach redis: %w", err)
		}
		tracker = liveness.NewRedisTracker(rdb, cfg.Liveness.RedisKey, cfg.Liveness.TTL)
		slog.Info("Sharing liveness through redis", "addr", cfg.Liveness.RedisAddr)
	}

	hub := notify.NewHub()
	engine := state.NewEngine(
		state.WithIDGenerator(state.RandomIDs()),
		state.WithLogger(slog.Default().With("component", "engine")),
		state.WithObserver(arch),
		state.WithObserver(events.Observer{Publisher: publisher}),
		state.WithObserver(hub),
	)

	s := &api.Server{
		Engine:        engine,
		Liveness:      tracker,
		Archive:       arch,
		Notifications: hub,
		RenderWidth:   cfg.Render.Width,
		RenderHeight:  cfg.Render.Height,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		liveness.RunSweeper(ctx, tracker, cfg.Liveness.Interval)
	}()

	httpServer := &http.Server{Addr: cfg.Addr, Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
			cancel()
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}
	cancel()

	hub.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shut down cleanly", "err", err)
		_ = httpServer.Close()
	}
	wg.Wait()

	if dispatcher != nil {
		if err := dispatcher.Close(); err != nil {
			slog.Error("failed to close kafka producer", "err", err)
		}
	}

	st := engine.Stats()
	slog.Info("final state", "clients", st.Clients, "lines", st.Lines, "revision", st.Revision)
	if cfg.Render.Dump {
		if path, err := viz.RenderToTemp(engine.Lines(), cfg.Render.Width, cfg.Render.Height); err != nil {
			slog.Error("failed to render", "err", err)
		} else {
			slog.Info("rendered", "path", "file://"+path)
		}
	}
	return nil
}
