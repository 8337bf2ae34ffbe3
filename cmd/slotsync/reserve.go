package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/miravisor/slotsync/internal/reconcile"
	"github.com/miravisor/slotsync/internal/reservation"
	"github.com/miravisor/slotsync/internal/session"
)

func newReserveCmd(flags *globalFlags) *cobra.Command {
	var (
		ttl         time.Duration
		connectWait time.Duration
		hold        bool
	)

	cmd := &cobra.Command{
		Use:   "reserve <slot-id>",
		Short: "Reserve a slot and report the server's answer",
		Long: "Reserve a slot and wait for the server to confirm or reject it. " +
			"With --hold the reservation is kept until it expires or the command is interrupted; " +
			"it is always released on exit.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slotID := args[0]

			cfg, logger, err := flags.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if ttl > 0 {
				cfg.Reservation.TTL = ttl
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			s, err := session.New(*cfg, session.Deps{Logger: logger})
			if err != nil {
				return err
			}
			if err := s.Start(ctx); err != nil {
				return err
			}
			defer stopSession(s, cfg.Session.ShutdownTimeout, logger)

			waitCtx, waitCancel := context.WithTimeout(ctx, connectWait)
			err = s.WaitConnected(waitCtx)
			waitCancel()
			if err != nil && !cfg.Reservation.RESTFallback {
				return fmt.Errorf("real-time connection: %w", err)
			}

			notices, unsubscribe := s.Notices()
			defer unsubscribe()
			_, holds, cancelHolds := s.Controller().Subscribe()
			defer cancelHolds()

			if err := s.Reserve(ctx, slotID); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "reservation requested for %s (ttl %s)\n", slotID, cfg.Reservation.TTL)

			return awaitOutcome(ctx, out, slotID, hold, holds, notices)
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 0, "reservation lifetime (default from config)")
	cmd.Flags().DurationVar(&connectWait, "connect-timeout", 15*time.Second, "how long to wait for the real-time connection")
	cmd.Flags().BoolVar(&hold, "hold", false, "keep the reservation until it expires or the command is interrupted")

	return cmd
}

// errReservationLost is returned when the hold disappears without a confirmation.
var errReservationLost = errors.New("reservation lost")

func awaitOutcome(ctx context.Context, out io.Writer, slotID string, hold bool,
	holds <-chan reservation.Hold, notices <-chan reconcile.Notice) error {
	confirmed := false
	for {
		select {
		case <-ctx.Done():
			return nil

		case n := <-notices:
			if n.SlotID != slotID {
				continue
			}
			fmt.Fprintf(out, "%s: %s\n", n.Kind, n.Message)
			if n.Kind == reconcile.NoticeReservationRejected {
				return fmt.Errorf("%w: %s", reservation.ErrReservationRejected, n.Message)
			}

		case h := <-holds:
			switch {
			case h.Active() && h.SlotID == slotID && h.Phase == reservation.PhaseConfirmed && !confirmed:
				confirmed = true
				fmt.Fprintf(out, "confirmed %s via %s\n", slotID, h.Via)
				if !hold {
					return nil
				}
			case !h.Active():
				if confirmed {
					fmt.Fprintf(out, "reservation on %s ended\n", slotID)
					return nil
				}
				return fmt.Errorf("%w: %s", errReservationLost, slotID)
			}
		}
	}
}
