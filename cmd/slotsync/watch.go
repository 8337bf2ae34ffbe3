package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/miravisor/slotsync/internal/reconcile"
	"github.com/miravisor/slotsync/internal/session"
	"github.com/miravisor/slotsync/internal/slot"
	"github.com/miravisor/slotsync/internal/version"
)

func newWatchCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow slot availability for the configured providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			s, err := session.New(*cfg, session.Deps{Logger: logger})
			if err != nil {
				return err
			}
			logger.Info("starting slotsync", "version", version.Version, "commit", version.Commit)

			if err := s.Start(ctx); err != nil {
				return err
			}
			defer stopSession(s, cfg.Session.ShutdownTimeout, logger)

			notices, unsubscribe := s.Notices()
			defer unsubscribe()

			snap, updates, cancelUpdates := s.Store().Subscribe()
			defer cancelUpdates()

			out := cmd.OutOrStdout()
			printSnapshot(out, snap)
			for {
				select {
				case <-ctx.Done():
					logger.Info("received shutdown signal")
					return nil
				case snap := <-updates:
					printSnapshot(out, snap)
				case n := <-notices:
					printNotice(out, n)
				}
			}
		},
	}
}

// stopSession runs teardown on a fresh context so a cancelled command still releases its slot.
func stopSession(s *session.Session, timeout time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.Stop(ctx); err != nil {
		logger.Error("session shutdown", "error", err)
	}
}

func printSnapshot(w io.Writer, snap slot.Snapshot) {
	if snap.Len() == 0 {
		return
	}
	fmt.Fprintf(w, "-- version %d, %d slots\n", snap.Version, snap.Len())
	for _, sl := range snap.All() {
		fmt.Fprintf(w, "%-24s %-10s %s\n", sl.ID, sl.Status, sl.Info.StatusMessage)
	}
}

func printNotice(w io.Writer, n reconcile.Notice) {
	fmt.Fprintf(w, "!! %s %s %s\n", n.Kind, n.SlotID, n.Message)
}
