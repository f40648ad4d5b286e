package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	flagSubTopics    []string
	flagSubKeepAlive uint16
)

var subCmd = &cobra.Command{
	Use:   "sub",
	Short: "Subscribe to topic filters and print messages",
	RunE:  runSub,
}

func init() {
	subCmd.Flags().StringArrayVarP(&flagSubTopics, "topic", "t", nil, "topic filter (repeatable, required)")
	subCmd.Flags().Uint16Var(&flagSubKeepAlive, "keepalive", 60, "keepalive interval in seconds")
	subCmd.MarkFlagRequired("topic")
	rootCmd.AddCommand(subCmd)
}

var topicStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f"))

func runSub(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := connectClient(ctx, flagSubKeepAlive)
	if err != nil {
		return err
	}
	defer client.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
		// Recv has no deadline to observe here; closing the client is
		// what unblocks it.
		client.Close()
	}()

	if err := client.Subscribe(ctx, flagSubTopics...); err != nil {
		return err
	}

	for {
		msg, err := client.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Printf("%s %s\n", topicStyle.Render(string(msg.Topic)), msg.Payload)
	}
}
