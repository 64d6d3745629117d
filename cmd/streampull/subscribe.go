package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/streampull-go/pkg/client"
	"github.com/rmacdonaldsmith/streampull-go/pkg/subscriber"
)

func newSubscribeCommand(opts *globalOptions) *cobra.Command {
	var (
		subscription string
		maxMessages  int64
		nack         bool
	)

	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Receive messages from a subscription",
		Long: `Receive messages from a subscription, printing and acknowledging each one.
Press Ctrl+C to drain outstanding messages and stop.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if subscription != "" {
				cfg.Subscription = subscription
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSubscribe(ctx, cfg, cmd.OutOrStdout(), maxMessages, nack)
		},
	}

	cmd.Flags().StringVar(&subscription, "subscription", "", "Subscription to receive from")
	cmd.Flags().Int64Var(&maxMessages, "max-messages", 0, "Stop after this many messages (0 = run until interrupted)")
	cmd.Flags().BoolVar(&nack, "nack", false, "Nack every message instead of acking it")

	return cmd
}

func runSubscribe(ctx context.Context, cfg *Config, out io.Writer, maxMessages int64, nack bool) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.SetDefaults()
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}

	logger, err := newLogger(cfg.Development)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	conn, closeConn, err := dial(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeConn(); err != nil {
			logger.Warn("failed to close connection", zap.Error(err))
		}
	}()

	var (
		received atomic.Int64
		printed  atomic.Int64
		outMu    sync.Mutex
		limitHit = make(chan struct{})
	)
	handler := subscriber.HandlerFunc(func(_ context.Context, msg subscriber.Message) error {
		n := received.Add(1)
		if maxMessages > 0 && n > maxMessages {
			return msg.Nack()
		}

		outMu.Lock()
		printMessage(out, msg, n)
		outMu.Unlock()
		printed.Add(1)

		var finalizeErr error
		if nack {
			finalizeErr = msg.Nack()
		} else {
			finalizeErr = msg.Ack()
		}
		if maxMessages > 0 && n == maxMessages {
			close(limitHit)
		}
		return finalizeErr
	})

	c := client.New(conn,
		client.WithLogger(logger),
		client.WithClientID(cfg.ClientID),
	)
	subOpts := []client.Option{client.WithMaxReconnectAttempts(cfg.MaxReconnectAttempts)}
	if cfg.AckDeadline > 0 {
		subOpts = append(subOpts, client.WithAckDeadline(cfg.AckDeadline))
	}
	if cfg.DrainTimeout > 0 {
		subOpts = append(subOpts, client.WithDrainTimeout(cfg.DrainTimeout))
	}
	if cfg.NumWorkers > 0 {
		subOpts = append(subOpts, client.WithNumWorkers(cfg.NumWorkers))
	}

	handle, err := c.Subscribe(context.Background(), cfg.Subscription, handler, cfg.FlowControl, subOpts...)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	logger.Info("subscribed",
		zap.String("subscription", cfg.Subscription),
		zap.String("client_id", cfg.ClientID))

	select {
	case <-ctx.Done():
		logger.Info("interrupted, draining")
	case <-limitHit:
	case <-handle.Done():
	}
	handle.Cancel()

	if err := handle.Wait(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("subscription failed: %w", err)
	}
	fmt.Fprintf(out, "Received %d messages.\n", printed.Load())
	return nil
}

func printMessage(out io.Writer, msg subscriber.Message, n int64) {
	var b strings.Builder
	fmt.Fprintf(&b, "Message #%d:\n", n)
	fmt.Fprintf(&b, "   ID: %s\n", msg.ID())
	if key := msg.OrderingKey(); key != "" {
		fmt.Fprintf(&b, "   Ordering key: %s\n", key)
	}
	if attempt := msg.DeliveryAttempt(); attempt > 0 {
		fmt.Fprintf(&b, "   Delivery attempt: %d\n", attempt)
	}
	if !msg.PublishTime().IsZero() {
		fmt.Fprintf(&b, "   Published: %s\n", msg.PublishTime().Format("2006-01-02 15:04:05.000"))
	}

	attrs := msg.Attributes()
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "   %s=%s\n", k, attrs[k])
	}
	fmt.Fprintf(&b, "   Data: %s\n\n", msg.Data())

	_, _ = io.WriteString(out, b.String())
}
