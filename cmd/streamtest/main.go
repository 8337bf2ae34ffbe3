// streamtest connects to the real-time slot server and prints every
// normalized event to the console. It never reserves and never writes the
// store, so it is safe to point at production.
//
// Usage: go run ./cmd/streamtest --config configs/slotsync.yaml [--verbose]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/miravisor/slotsync/internal/auth"
	"github.com/miravisor/slotsync/internal/config"
	"github.com/miravisor/slotsync/internal/connection"
	"github.com/miravisor/slotsync/internal/router"
)

func main() {
	configPath := flag.String("config", "configs/slotsync.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "print full event JSON")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	creds, err := auth.LoadCredentials(cfg.Realtime.Token, cfg.Realtime.TokenPath)
	if err != nil {
		logger.Error("failed to load credentials", "error", err)
		os.Exit(1)
	}
	if creds.Anonymous() {
		logger.Warn("no bearer token configured, connecting anonymously")
	}

	connCfg := connection.DefaultManagerConfig()
	connCfg.BaseURL = cfg.Realtime.URL
	connCfg.Namespace = cfg.Realtime.Namespace
	connCfg.Token = creds.Token
	connCfg.ClientID = "streamtest"

	connMgr := connection.NewManager(connCfg, logger)
	rtr := router.NewRouter(router.DefaultRouterConfig(), connMgr.Messages(), logger)

	logger.Info("starting router")
	if err := rtr.Start(ctx); err != nil {
		logger.Error("failed to start router", "error", err)
		os.Exit(1)
	}

	for _, p := range cfg.Providers {
		connMgr.JoinRoom(p)
	}
	logger.Info("starting connection manager", "providers", len(cfg.Providers))
	if err := connMgr.Connect(ctx); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}

	go printEvents(ctx, rtr.Events(), *verbose)

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				routerStats := rtr.Stats()
				connStats := connMgr.Stats()
				logger.Info("stats",
					"state", connStats.State.String(),
					"epoch", connStats.Epoch,
					"rooms", connStats.Rooms,
					"frames_received", connStats.MessagesReceived,
					"frames_dropped", connStats.MessagesDropped,
					"events_routed", routerStats.EventsRouted,
					"malformed", routerStats.MalformedEvents,
					"unknown", routerStats.UnknownEvents,
					"queue_len", routerStats.Queue.Len,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	connMgr.Disconnect(shutdownCtx)
	rtr.Stop(shutdownCtx)

	logger.Info("shutdown complete")
}

func printEvents(ctx context.Context, q *router.Queue[router.Event], verbose bool) {
	for {
		ev, err := q.Receive(ctx)
		if err != nil {
			return
		}
		meta := ev.EventMeta()

		if verbose {
			data, _ := json.MarshalIndent(ev, "", "  ")
			fmt.Printf("[%s] epoch=%d %s\n", meta.Name, meta.Epoch, data)
			continue
		}

		switch ev := ev.(type) {
		case router.StatusUpdated:
			fmt.Printf("[STATUS] slot=%s status=%s\n", ev.Record.SlotID, ev.Record.Status)
		case router.BatchUpdated:
			fmt.Printf("[BATCH] records=%d dropped=%d\n", len(ev.Records), ev.Dropped)
		case router.Reserved:
			fmt.Printf("[RESERVED] slot=%s until=%v\n", ev.Record.SlotID, ev.Record.Info.ReservedUntil)
		case router.ReservationConfirmed:
			fmt.Printf("[CONFIRMED] slot=%s\n", ev.Record.SlotID)
		case router.ReservationFailed:
			fmt.Printf("[RESERVE FAILED] slot=%s reason=%s\n", ev.SlotID, ev.Reason)
		case router.Booked:
			fmt.Printf("[BOOKED] slot=%s removed=%t\n", ev.Record.SlotID, ev.Removed)
		case router.Released:
			fmt.Printf("[RELEASED] slot=%s\n", ev.Record.SlotID)
		case router.ReleaseFailed:
			fmt.Printf("[RELEASE FAILED] slot=%s reason=%s\n", ev.SlotID, ev.Reason)
		case router.RoomAck:
			fmt.Printf("[ROOM] provider=%s joined=%t\n", ev.ProviderID, ev.Joined)
		}
	}
}
