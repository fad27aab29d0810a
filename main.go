// Command section-notifier watches course sections and emails subscribers
// once per day when a section they follow has open seats.
//
// Usage:
//
//	section-notifier serve --config config.yaml
//	section-notifier poll
//	section-notifier subscribe student@example.com CIS*3260 ENGG*1500
//	section-notifier unsubscribe student@example.com CIS*3260
//	section-notifier items
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"section-notifier/pkg/notifier"
	"section-notifier/server"
	"section-notifier/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "section-notifier",
		Short:        "Email subscribers when course sections open",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "Path to a YAML config file")
	root.SetOut(out)

	root.AddCommand(serveCmd(&configPath))
	root.AddCommand(pollCmd(&configPath, out))
	root.AddCommand(subscribeCmd(&configPath, out))
	root.AddCommand(unsubscribeCmd(&configPath, out))
	root.AddCommand(itemsCmd(&configPath, out))
	return root
}

// --------------------------------------------------------------------------
// serve
// --------------------------------------------------------------------------

func serveCmd(configPath *string) *cobra.Command {
	var noPoll bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the web server and the poll loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *configPath, prometheus.DefaultRegisterer)
			if err != nil {
				return err
			}
			defer a.close()

			srv := server.New(&server.Config{
				Store:             a.store,
				Emailer:           a.sender,
				Poller:            a.monitor,
				Tokens:            a.signer,
				Metrics:           promhttp.Handler(),
				Logger:            a.logger,
				IsNotFound:        storage.IsNotFound,
				BaseURL:           a.cfg.HTTP.BaseURL,
				CORSAllowOrigins:  a.cfg.HTTP.CORSAllowOrigins,
				RateLimitRequests: a.cfg.HTTP.RateLimitRequests,
				RateLimitWindow:   a.cfg.HTTP.RateLimitWindow,
				TrustProxyHeaders: a.cfg.HTTP.TrustProxyHeaders,
			})

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return srv.ListenAndServe(gctx, a.cfg.HTTP.Port)
			})
			if !noPoll {
				g.Go(func() error {
					return a.monitor.Run(gctx)
				})
			} else {
				a.logger.Info("Poll loop disabled, cycles run only via POST /pollz")
			}
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&noPoll, "no-poll", false, "Serve HTTP only; cycles are triggered externally via /pollz")
	return cmd
}

// --------------------------------------------------------------------------
// poll
// --------------------------------------------------------------------------

// cycleSummary is the JSON printed by the poll command.
type cycleSummary struct {
	Window            string `json:"window"`
	Abandoned         bool   `json:"abandoned"`
	Error             string `json:"error,omitempty"`
	Items             int    `json:"items"`
	Open              int    `json:"open"`
	EligiblePairs     int    `json:"eligible_pairs"`
	Messages          int    `json:"messages"`
	TransportFailures int    `json:"transport_failures"`
	Accepted          int    `json:"accepted"`
	Rejected          int    `json:"rejected"`
	Written           int    `json:"acknowledged"`
	WriteFailures     int    `json:"acknowledge_failures"`
}

func pollCmd(configPath *string, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Run a single poll cycle and print its report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), *configPath, nil)
			if err != nil {
				return err
			}
			defer a.close()

			rep := a.monitor.RunCycle(cmd.Context())
			sum := cycleSummary{
				Window:            rep.Window.String(),
				Abandoned:         rep.Abandoned,
				Items:             rep.Items,
				Open:              rep.Open,
				EligiblePairs:     rep.EligiblePairs,
				Messages:          rep.Messages,
				TransportFailures: rep.TransportFailures,
				Accepted:          rep.Accepted,
				Rejected:          rep.Rejected,
				Written:           rep.Written,
				WriteFailures:     rep.WriteFailures,
			}
			if rep.Err != nil {
				sum.Error = rep.Err.Error()
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(sum); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			if rep.Abandoned {
				return fmt.Errorf("cycle abandoned: %w", rep.Err)
			}
			return nil
		},
	}
}

// --------------------------------------------------------------------------
// subscription management
// --------------------------------------------------------------------------

func parseArgs(args []string) (string, []notifier.ItemID, error) {
	address := notifier.NormalizeAddress(args[0])
	if err := notifier.ValidateAddress(address); err != nil {
		return "", nil, err
	}
	items := make([]notifier.ItemID, 0, len(args)-1)
	for _, raw := range args[1:] {
		item := notifier.NormalizeItem(raw)
		if !notifier.ValidItem(item) {
			return "", nil, fmt.Errorf("invalid course code %q", raw)
		}
		items = append(items, item)
	}
	return address, items, nil
}

func subscribeCmd(configPath *string, out io.Writer) *cobra.Command {
	var welcome bool
	cmd := &cobra.Command{
		Use:   "subscribe EMAIL ITEM...",
		Short: "Subscribe an address to one or more course codes",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			address, items, err := parseArgs(args)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), *configPath, nil)
			if err != nil {
				return err
			}
			defer a.close()

			var created []notifier.ItemID
			for _, item := range items {
				ok, err := a.store.Subscribe(cmd.Context(), item, address)
				if err != nil {
					return fmt.Errorf("subscribe %s: %w", item, err)
				}
				if ok {
					created = append(created, item)
					_, _ = fmt.Fprintf(out, "subscribed %s to %s\n", address, item)
				} else {
					_, _ = fmt.Fprintf(out, "%s already follows %s\n", address, item)
				}
			}
			if welcome && len(created) > 0 {
				if err := a.sender.SendWelcome(cmd.Context(), address, created); err != nil {
					a.logger.Warn("Failed to send welcome email", "email", address, "error", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&welcome, "welcome", false, "Send the welcome email for new subscriptions")
	return cmd
}

func unsubscribeCmd(configPath *string, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "unsubscribe EMAIL ITEM...",
		Short: "Remove subscriptions and their notification history",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			address, items, err := parseArgs(args)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), *configPath, nil)
			if err != nil {
				return err
			}
			defer a.close()

			var errs []error
			for _, item := range items {
				err := a.store.Unsubscribe(cmd.Context(), item, address)
				switch {
				case storage.IsNotFound(err):
					_, _ = fmt.Fprintf(out, "%s does not follow %s\n", address, item)
				case err != nil:
					errs = append(errs, fmt.Errorf("unsubscribe %s: %w", item, err))
				default:
					_, _ = fmt.Fprintf(out, "unsubscribed %s from %s\n", address, item)
				}
			}
			return errors.Join(errs...)
		},
	}
}

func itemsCmd(configPath *string, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "items",
		Short: "List course codes that have subscribers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), *configPath, nil)
			if err != nil {
				return err
			}
			defer a.close()

			items, err := a.store.Items(cmd.Context())
			if err != nil {
				return err
			}
			for _, item := range items {
				_, _ = fmt.Fprintln(out, item)
			}
			return nil
		},
	}
}
