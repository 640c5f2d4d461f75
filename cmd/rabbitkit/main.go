package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glimte/rabbitkit"
	"github.com/glimte/rabbitkit/config"
	"github.com/glimte/rabbitkit/messaging"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

type globalFlags struct {
	configPath string
	uri        string
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:   "rabbitkit",
		Short: "Publish, consume and declare topology on RabbitMQ",
		Long: `rabbitkit is a command line client built on the rabbitkit pools.
It publishes messages, consumes from configured queues and declares the
topology described in a YAML configuration file.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&g.uri, "uri", "u", "", "RabbitMQ connection URI, overrides the configuration")
	rootCmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(newPublishCmd(g), newConsumeCmd(g), newDeclareCmd(g), newVersionCmd())
	return rootCmd
}

func (g *globalFlags) options() (config.Options, error) {
	opts := config.Default()
	if g.configPath != "" {
		var err error
		if opts, err = config.Load(g.configPath); err != nil {
			return opts, err
		}
	}
	if g.uri != "" {
		opts.Factory.URI = g.uri
	}
	return opts, nil
}

func (g *globalFlags) logger() *slog.Logger {
	level := slog.LevelInfo
	if g.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func (g *globalFlags) client(opts config.Options) (*rabbitkit.Client, error) {
	client, err := rabbitkit.NewClient(opts, rabbitkit.WithLogger(g.logger()))
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func closeClient(client *rabbitkit.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Close(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "close: %v\n", err)
	}
}

func newPublishCmd(g *globalFlags) *cobra.Command {
	var (
		exchange   string
		routingKey string
		body       string
		count      int
		confirm    bool
	)
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish messages",
		Example: `  rabbitkit publish --routing-key orders --body '{"id":1}'
  rabbitkit publish -e shop -r order.created -b hello -n 100 --confirm`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := g.options()
			if err != nil {
				return err
			}
			client, err := g.client(opts)
			if err != nil {
				return err
			}
			defer closeClient(client)

			ctx, stop := signalContext()
			defer stop()

			msgs := make([]*messaging.Message, count)
			for i := range msgs {
				msgs[i] = messaging.NewMessage(exchange, routingKey, []byte(body))
			}
			pub := client.Publisher()
			if confirm {
				if err := pub.PublishManyAsBatch(ctx, msgs, false); err != nil {
					return err
				}
			} else if err := pub.PublishMany(ctx, msgs, false); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %d message(s)\n", count)
			return nil
		},
	}
	cmd.Flags().StringVarP(&exchange, "exchange", "e", "", "Exchange to publish to")
	cmd.Flags().StringVarP(&routingKey, "routing-key", "r", "", "Routing key")
	cmd.Flags().StringVarP(&body, "body", "b", "", "Message body")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of messages to publish")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "Wait for broker confirmation")
	return cmd
}

func newConsumeCmd(g *globalFlags) *cobra.Command {
	var (
		name        string
		queueName   string
		maxMessages int
		ack         bool
	)
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Consume messages and print their bodies",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := g.options()
			if err != nil {
				return err
			}
			if _, ok := opts.Consumers[name]; !ok {
				if queueName == "" {
					return fmt.Errorf("consumer %q is not configured and no --queue was given", name)
				}
				if opts.Consumers == nil {
					opts.Consumers = map[string]config.ConsumerOptions{}
				}
				opts.Consumers[name] = config.ConsumerOptions{QueueName: queueName}
			}
			client, err := g.client(opts)
			if err != nil {
				return err
			}
			defer closeClient(client)

			con, err := client.Consumer(name)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			if err := con.Start(ctx, !ack, false); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for n := 0; maxMessages <= 0 || n < maxMessages; n++ {
				rm, err := con.Read(ctx)
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
				fmt.Fprintf(out, "[%d] %s %s\n", rm.DeliveryTag(), rm.RoutingKey(), rm.Body)
				if ack {
					if _, err := rm.Ack(); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "cli", "Consumer name from the configuration")
	cmd.Flags().StringVarP(&queueName, "queue", "q", "", "Queue to consume when the consumer is not configured")
	cmd.Flags().IntVarP(&maxMessages, "max", "m", 0, "Stop after this many messages, 0 for no limit")
	cmd.Flags().BoolVar(&ack, "ack", false, "Acknowledge each message instead of using auto-ack")
	return cmd
}

func newDeclareCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "declare",
		Short: "Declare the configured topology and consumer error queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := g.options()
			if err != nil {
				return err
			}
			client, err := g.client(opts)
			if err != nil {
				return err
			}
			defer closeClient(client)

			ctx, stop := signalContext()
			defer stop()
			if err := client.DeclareTopology(ctx); err != nil {
				return err
			}
			t := opts.Topology
			fmt.Fprintf(cmd.OutOrStdout(), "declared %d exchange(s), %d queue(s), %d binding(s)\n",
				len(t.Exchanges), len(t.Queues), len(t.Bindings))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rabbitkit %s (commit: %s, built: %s)\n", version, gitCommit, buildTime)
		},
	}
}
