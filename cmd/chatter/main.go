package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/spiritbulb/chatter/pkg/dm"
)

type cliFlags struct {
	configPath string
	apiBase    string
	wsBase     string
	self       string
	logLevel   string
}

// fileConfig is the yaml schema of the optional config file. Durations are
// strings like "10s".
type fileConfig struct {
	APIBaseURL         string `yaml:"api_base_url"`
	WSBaseURL          string `yaml:"ws_base_url"`
	DialTimeout        string `yaml:"dial_timeout"`
	HistoryTimeout     string `yaml:"history_timeout"`
	MaxAttempts        int    `yaml:"max_attempts"`
	RetryStep          string `yaml:"retry_step"`
	MaxRetryDelay      string `yaml:"max_retry_delay"`
	ReconcileTolerance string `yaml:"reconcile_tolerance"`
}

func applyDuration(dst *time.Duration, raw, name string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Wrapf(err, "parse %s", name)
	}
	*dst = d
	return nil
}

func loadConfig(f cliFlags) (dm.Config, error) {
	cfg := dm.DefaultConfig()
	if f.configPath != "" {
		b, err := os.ReadFile(f.configPath)
		if err != nil {
			return cfg, errors.Wrap(err, "read config file")
		}
		var fc fileConfig
		if err := yaml.Unmarshal(b, &fc); err != nil {
			return cfg, errors.Wrap(err, "parse config file")
		}
		if fc.APIBaseURL != "" {
			cfg.APIBaseURL = fc.APIBaseURL
		}
		if fc.WSBaseURL != "" {
			cfg.WSBaseURL = fc.WSBaseURL
		}
		if fc.MaxAttempts > 0 {
			cfg.MaxAttempts = fc.MaxAttempts
		}
		for _, d := range []struct {
			dst  *time.Duration
			raw  string
			name string
		}{
			{&cfg.DialTimeout, fc.DialTimeout, "dial_timeout"},
			{&cfg.HistoryTimeout, fc.HistoryTimeout, "history_timeout"},
			{&cfg.RetryStep, fc.RetryStep, "retry_step"},
			{&cfg.MaxRetryDelay, fc.MaxRetryDelay, "max_retry_delay"},
			{&cfg.ReconcileTolerance, fc.ReconcileTolerance, "reconcile_tolerance"},
		} {
			if err := applyDuration(d.dst, d.raw, d.name); err != nil {
				return cfg, err
			}
		}
	}
	if f.apiBase != "" {
		cfg.APIBaseURL = f.apiBase
	}
	if f.wsBase != "" {
		cfg.WSBaseURL = f.wsBase
	}
	return cfg, nil
}

func setupLogging(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "parse log level %q", level)
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	return nil
}

func newChatCmd(flags *cliFlags) *cobra.Command {
	var peer string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open a direct-message session with a peer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*flags)
			if err != nil {
				return err
			}
			if flags.self == "" || peer == "" {
				return errors.New("--self and --peer are required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			coord := dm.NewCoordinator(cfg)
			defer func() { _ = coord.Shutdown() }()

			msgs, err := coord.Notifier().Messages(ctx)
			if err != nil {
				return errors.Wrap(err, "subscribe messages")
			}
			states, err := coord.Notifier().States(ctx)
			if err != nil {
				return errors.Wrap(err, "subscribe states")
			}

			if err := coord.Open(ctx, dm.ParticipantID(flags.self), dm.ParticipantID(peer)); err != nil {
				return errors.Wrap(err, "open session")
			}
			for _, m := range coord.Messages() {
				printMessage(m)
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				for {
					select {
					case <-gctx.Done():
						return gctx.Err()
					case ev, ok := <-msgs:
						if !ok {
							return nil
						}
						printMessage(dm.Message{Sender: ev.From, Text: ev.Text, Timestamp: ev.Timestamp})
					case ev, ok := <-states:
						if !ok {
							return nil
						}
						fmt.Fprintf(os.Stderr, "-- connection %s --\n", ev.State)
					}
				}
			})
			g.Go(func() error {
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					text := strings.TrimSpace(scanner.Text())
					if text == "" {
						continue
					}
					if err := coord.Send(text); err != nil {
						if errors.Is(err, dm.ErrNotConnected) {
							fmt.Fprintln(os.Stderr, "-- not connected, message kept as unsent --")
							continue
						}
						return err
					}
				}
				return scanner.Err()
			})

			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "", "peer participant id (email)")
	return cmd
}

func newRecipientsCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "recipients",
		Short: "List open conversations for the current user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*flags)
			if err != nil {
				return err
			}
			if flags.self == "" {
				return errors.New("--self is required")
			}
			coord := dm.NewCoordinator(cfg)
			defer func() { _ = coord.Shutdown() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.HistoryTimeout)
			defer cancel()
			recipients, err := coord.ListRecipients(ctx, dm.ParticipantID(flags.self))
			if err != nil {
				return err
			}
			if len(recipients) == 0 {
				fmt.Println("no conversations yet")
				return nil
			}
			for _, r := range recipients {
				if r.LatestMessage != nil {
					fmt.Printf("%s\t%s\t%s\n", r.RecepientID, formatTimestamp(r.LatestMessage.Timestamp), r.LatestMessage.Text)
				} else {
					fmt.Printf("%s\n", r.RecepientID)
				}
			}
			return nil
		},
	}
}

func printMessage(m dm.Message) {
	marker := ""
	if m.LocalEcho {
		marker = " (unsent)"
	}
	fmt.Printf("[%s] %s: %s%s\n", formatTimestamp(m.Timestamp), m.Sender, m.Text, marker)
}

func formatTimestamp(millis int64) string {
	return time.UnixMilli(millis).Format("15:04:05")
}

func main() {
	flags := &cliFlags{}
	root := &cobra.Command{
		Use:   "chatter",
		Short: "Terminal client for Spiritbulb direct messages",
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return setupLogging(flags.logLevel)
		},
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to yaml config file")
	root.PersistentFlags().StringVar(&flags.apiBase, "api-base", "", "history/recipients API base URL")
	root.PersistentFlags().StringVar(&flags.wsBase, "ws-base", "", "live transport base URL")
	root.PersistentFlags().StringVar(&flags.self, "self", "", "local participant id (email)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "warn", "log level (trace|debug|info|warn|error)")

	root.AddCommand(newChatCmd(flags))
	root.AddCommand(newRecipientsCmd(flags))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
