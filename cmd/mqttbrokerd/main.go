// Package main is the standalone mqtt0 broker daemon.
//
// Usage:
//
//	mqttbrokerd [flags]
//
// The daemon listens on one or more transports (TCP, WebSocket) and serves
// QoS 0 MQTT 3.1.1 and 5.0 clients. Authentication is allow-all; embed the
// library directly when you need a real Authenticator.
package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/fenwick-iot/mqtt0/pkg/mqtt0"
)

var (
	flagTCP       string
	flagWS        string
	flagSysEvents bool
	flagMaxPacket int
	flagMaxSubs   int
	flagVerbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "mqttbrokerd",
	Short: "Standalone QoS 0 MQTT broker",
	Long: `mqttbrokerd - a standalone QoS 0 MQTT broker for MQTT 3.1.1 and 5.0.

Examples:
  # TCP only, on the default port
  mqttbrokerd

  # TCP and WebSocket, with $SYS lifecycle events
  mqttbrokerd --tcp :1883 --ws :8083 --sys-events`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVar(&flagTCP, "tcp", ":1883", "TCP listen address (empty to disable)")
	rootCmd.Flags().StringVar(&flagWS, "ws", "", "WebSocket listen address (empty to disable)")
	rootCmd.Flags().BoolVar(&flagSysEvents, "sys-events", false, "publish $SYS/brokers/... lifecycle events")
	rootCmd.Flags().IntVar(&flagMaxPacket, "max-packet-size", 0, "max packet size in bytes (0 = default)")
	rootCmd.Flags().IntVar(&flagMaxSubs, "max-subscriptions", 0, "max subscriptions per client (0 = default)")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
}

var (
	bannerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6e7681"))
)

func run(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	var listeners []net.Listener
	if flagTCP != "" {
		ln, err := mqtt0.Listen("tcp", flagTCP, nil)
		if err != nil {
			return fmt.Errorf("tcp listen: %w", err)
		}
		listeners = append(listeners, ln)
		fmt.Println(dimStyle.Render("listening tcp " + flagTCP))
	}
	if flagWS != "" {
		ln, err := mqtt0.Listen("ws", flagWS, nil)
		if err != nil {
			return fmt.Errorf("ws listen: %w", err)
		}
		listeners = append(listeners, ln)
		fmt.Println(dimStyle.Render("listening ws " + flagWS))
	}
	if len(listeners) == 0 {
		return fmt.Errorf("no listeners configured")
	}

	broker := &mqtt0.Broker{
		MaxPacketSize:             flagMaxPacket,
		MaxSubscriptionsPerClient: flagMaxSubs,
		SysEventsEnabled:          flagSysEvents,
		OnConnect: func(clientID string) {
			slog.Info("client connected", "clientID", clientID)
		},
		OnDisconnect: func(clientID string) {
			slog.Info("client disconnected", "clientID", clientID)
		},
	}

	ml := mqtt0.NewMultiListener(listeners...)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		broker.Close()
		ml.Close()
	}()

	fmt.Println(bannerStyle.Render("mqttbrokerd") + dimStyle.Render(" ready"))
	return broker.Serve(ml)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
