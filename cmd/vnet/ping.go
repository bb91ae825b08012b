package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/rescp17/vnet/internal/app"
	"github.com/rescp17/vnet/pkg/pingpong"
	"github.com/rescp17/vnet/pkg/sched"
)

type pingOptions struct {
	count    int
	interval time.Duration
	loss     float64
	seed     uint64
}

func newPingCmd(root *rootOptions) *cobra.Command {
	opts := &pingOptions{}
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Measure round trips between a loopback client and server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPing(cmd.Context(), root, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().IntVarP(&opts.count, "count", "n", 4, "Number of pings")
	cmd.Flags().DurationVarP(&opts.interval, "interval", "i", 200*time.Millisecond, "Time between pings")
	cmd.Flags().Float64Var(&opts.loss, "loss", 0, "Probability of dropping each frame")
	cmd.Flags().Uint64Var(&opts.seed, "seed", 1, "Seed for frame loss")
	return cmd
}

func runPing(ctx context.Context, root *rootOptions, opts *pingOptions, stdout, stderr io.Writer) error {
	if opts.count <= 0 {
		return errors.New("count must be positive")
	}
	cfg, err := root.load()
	if err != nil {
		return err
	}
	logger, closeLog, err := root.logger(cfg, stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	results := make(chan pingpong.Result, opts.count)
	lb, err := app.NewLoopback(app.Options{
		Config:   cfg,
		Logger:   logger,
		LossRate: opts.loss,
		Seed:     opts.seed,
		OnPong:   func(r pingpong.Result) { results <- r },
	})
	if err != nil {
		return err
	}
	defer lb.Close()

	timeout := time.Duration(opts.count+1)*opts.interval + 10*time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	failed := make(chan error, 1)
	fail := func(err error) {
		select {
		case failed <- err:
		default:
		}
	}
	lb.WhenKeyed(5*time.Second, func(err error) {
		if err != nil {
			fail(err)
			return
		}
		sent := 0
		sched.Go(lb.Loop, func() (time.Duration, bool, error) {
			if err := lb.Ping(); err != nil {
				return 0, false, err
			}
			sent++
			return opts.interval, sent >= opts.count, nil
		}, func(err error) {
			if err != nil {
				fail(err)
			}
		})
	})
	lb.Loop.After(0, func() {
		if err := lb.Connect(); err != nil {
			fail(err)
		}
	})
	go func() { _ = lb.Loop.Run(ctx, sched.DefaultTickInterval) }()

	var total time.Duration
	received := 0
	for received < opts.count {
		select {
		case r := <-results:
			received++
			total += r.RTT
			fmt.Fprintf(stdout, "pong from server: seq=%d rtt=%s offset=%s\n", received, r.RTT, r.Offset)
		case err := <-failed:
			return err
		case <-ctx.Done():
			fmt.Fprintf(stdout, "%d of %d pings answered\n", received, opts.count)
			return fmt.Errorf("ping: %w", ctx.Err())
		}
	}
	fmt.Fprintf(stdout, "%d pings, average rtt %s\n", received, total/time.Duration(received))
	return nil
}
