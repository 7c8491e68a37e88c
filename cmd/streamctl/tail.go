package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/eventstream/internal/events"
	"github.com/rovshanmuradov/eventstream/internal/logger"
)

type tailOptions struct {
	out           string
	flushInterval time.Duration
}

func tailCmd(root *rootOptions) *cobra.Command {
	opts := &tailOptions{}
	cmd := &cobra.Command{
		Use:   "tail <feature> <key>",
		Short: "Print every event of one feed",
		Long: `Open one feed and log each event as it arrives.

Features: trace <trace-id>, payment <payment-id>, news_case <slug>,
scanner <user-id>, kyt <chain:address[,chain:address...]>.

Trace and payment tails exit once the job reaches a final state.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(cmd.Context(), root, opts, args[0], args[1])
		},
	}
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "Also append events to this file (.csv or JSON lines)")
	cmd.Flags().DurationVar(&opts.flushInterval, "flush-interval", 2*time.Second, "Flush interval for --out")
	return cmd
}

func runTail(ctx context.Context, root *rootOptions, opts *tailOptions, feature, key string) error {
	a, err := newApp(root, nil)
	if err != nil {
		return err
	}

	feed, err := buildFeed(a.env, feature, key)
	if err != nil {
		_ = a.close()
		return err
	}
	feature = normalizeFeature(feature)

	var writer *logger.EventWriter
	if opts.out != "" {
		writer, err = logger.NewEventWriter(opts.out, opts.flushInterval, a.logger)
		if err != nil {
			_ = a.close()
			return err
		}
		a.shutdown.Add("event writer", writer)
	}

	if err := feed.Connect(); err != nil {
		_ = a.close()
		return err
	}
	a.shutdown.AddFunc("feed", func() error {
		feed.Disconnect()
		return nil
	})

	log := a.logger.Named("tail").With(zap.String("key", key))
	if _, err := feed.Tap(func(env events.Envelope) {
		log.Info("Event received",
			zap.String("event_type", string(env.Type)),
			zap.ByteString("payload", env.Payload))
		if writer != nil {
			if err := writer.Write(logger.NewRecord(feature, key, env)); err != nil {
				log.Error("Failed to write event", zap.Error(err))
			}
		}
	}); err != nil {
		_ = a.close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := feed.OnChange(func() {
		if finished(feed) {
			log.Info("Feed finished", zap.String("summary", summary(feed)))
			cancel()
		}
	})
	defer stop()

	return a.shutdown.Wait(ctx)
}
