package main

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rovshanmuradov/eventstream/internal/feeds"
	"github.com/rovshanmuradov/eventstream/internal/logger"
	"github.com/rovshanmuradov/eventstream/internal/ui"
)

const dashboardLogSize = 500

type watchOptions struct {
	traces   []string
	payments []string
	news     []string
	kyt      []string
	scanners []string
}

func (o *watchOptions) empty() bool {
	return len(o.traces)+len(o.payments)+len(o.news)+len(o.kyt)+len(o.scanners) == 0
}

func watchCmd(root *rootOptions) *cobra.Command {
	opts := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Dashboard of several live feeds",
		Example: `  streamctl watch --trace 7f3a --payment pay_123
  streamctl watch --news exchange-hack --kyt eth:0xabc...,solana:So11111111111111111111111111111111111111112`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.empty() {
				return fmt.Errorf("nothing to watch, pass at least one feed flag")
			}
			return runWatch(cmd.Context(), root, opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.traces, "trace", nil, "Trace ids")
	cmd.Flags().StringSliceVar(&opts.payments, "payment", nil, "Payment ids")
	cmd.Flags().StringSliceVar(&opts.news, "news", nil, "News case slugs")
	cmd.Flags().StringSliceVar(&opts.kyt, "kyt", nil, "chain:address pairs for one KYT feed")
	cmd.Flags().StringSliceVar(&opts.scanners, "scanner", nil, "Scanner user ids")
	return cmd
}

// buildPanels creates one feed per flag value, in a fixed feature order.
func buildPanels(env feeds.Env, opts *watchOptions) ([]ui.Panel, []liveFeed, error) {
	type wanted struct {
		feature string
		keys    []string
	}
	requested := []wanted{
		{feeds.NameTrace, opts.traces},
		{feeds.NamePayment, opts.payments},
		{feeds.NameNewsCase, opts.news},
		{feeds.NameScanner, opts.scanners},
	}

	var panels []ui.Panel
	var all []liveFeed
	for _, s := range requested {
		for _, key := range s.keys {
			f, err := buildFeed(env, s.feature, key)
			if err != nil {
				return nil, nil, err
			}
			panels = append(panels, panelFor(s.feature+" "+key, f))
			all = append(all, f)
		}
	}
	if len(opts.kyt) > 0 {
		addrs, err := parseAddresses(opts.kyt)
		if err != nil {
			return nil, nil, err
		}
		f := feeds.NewKYT(env, addrs...)
		panels = append(panels, panelFor(feeds.NameKYT, f))
		all = append(all, f)
	}
	return panels, all, nil
}

func runWatch(ctx context.Context, root *rootOptions, opts *watchOptions) error {
	buffer := logger.NewLogBuffer(dashboardLogSize)
	a, err := newApp(root, buffer)
	if err != nil {
		return err
	}

	panels, all, err := buildPanels(a.env, opts)
	if err != nil {
		_ = a.close()
		return err
	}
	for _, f := range all {
		f := f
		if err := f.Connect(); err != nil {
			a.logger.Error("Failed to connect feed", zap.Error(err))
		}
		a.shutdown.AddFunc("feed", func() error {
			f.Disconnect()
			return nil
		})
	}

	dashboard := ui.NewDashboard(panels, buffer, a.logger)
	a.shutdown.AddFunc("dashboard", func() error {
		dashboard.Close()
		return nil
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return ui.Run(a.logger, func() (tea.Model, []tea.ProgramOption) {
			return ui.NewSafeModel(dashboard, a.logger), []tea.ProgramOption{
				tea.WithAltScreen(),
				tea.WithContext(ctx),
			}
		})
	})
	g.Go(func() error {
		err := a.shutdown.Wait(gctx)
		cancel()
		return err
	})
	return g.Wait()
}
