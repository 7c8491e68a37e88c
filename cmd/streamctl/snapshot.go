package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/eventstream/internal/feeds"
	"github.com/rovshanmuradov/eventstream/internal/poller"
)

type snapshotOptions struct {
	retries uint
}

func snapshotCmd(root *rootOptions) *cobra.Command {
	opts := &snapshotOptions{}
	cmd := &cobra.Command{
		Use:   "snapshot <slug>",
		Short: "Fetch the current snapshot of a news case over REST",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshot(cmd.Context(), root, opts, args[0], os.Stdout)
		},
	}
	cmd.Flags().UintVar(&opts.retries, "retries", 3, "Attempts for temporary failures")
	return cmd
}

func runSnapshot(ctx context.Context, root *rootOptions, opts *snapshotOptions, slug string, out io.Writer) error {
	a, err := newApp(root, nil)
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.BaseURL == "" {
		return fmt.Errorf("snapshot needs base_url")
	}

	fetcher := &poller.JSONFetcher[feeds.NewsCase]{
		Client: a.env.HTTP,
		URL:    a.env.NewsCaseURL(slug),
	}
	c, err := backoff.Retry(ctx, func() (feeds.NewsCase, error) {
		c, err := fetcher.Fetch(ctx)
		if err != nil {
			var se *poller.StatusError
			if errors.As(err, &se) && !se.Temporary() {
				return c, backoff.Permanent(err)
			}
			a.logger.Warn("Snapshot fetch failed", zap.String("url", fetcher.URL), zap.Error(err))
		}
		return c, err
	}, backoff.WithMaxTries(opts.retries), backoff.WithBackOff(backoff.NewExponentialBackOff()))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(c)
}
