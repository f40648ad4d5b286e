package commands

import (
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	flagAddr     string
	flagClientID string
	flagUsername string
	flagPassword string
	flagV5       bool
	flagVerbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "mqttctl",
	Short: "Publish and subscribe against an MQTT broker",
	Long: `mqttctl - a QoS 0 MQTT command line client.

Examples:
  # Publish one message
  mqttctl pub -a tcp://localhost:1883 -t sensor/room1/temp -m "22.5"

  # Subscribe and print everything under sensor/
  mqttctl sub -a tcp://localhost:1883 -t "sensor/#"

  # MQTT 5.0 over WebSocket
  mqttctl sub -a ws://localhost:8083/mqtt --v5 -t "device/+/state"`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if flagVerbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagAddr, "addr", "a", "tcp://localhost:1883", "broker address")
	rootCmd.PersistentFlags().StringVarP(&flagClientID, "client-id", "i", "", "client id (default: generated)")
	rootCmd.PersistentFlags().StringVarP(&flagUsername, "username", "u", "", "username")
	rootCmd.PersistentFlags().StringVarP(&flagPassword, "password", "p", "", "password")
	rootCmd.PersistentFlags().BoolVar(&flagV5, "v5", false, "use MQTT 5.0 instead of 3.1.1")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "verbose output")
}

// clientID returns the --client-id flag, or a generated one.
func clientID() string {
	if flagClientID != "" {
		return flagClientID
	}
	return "mqttctl-" + uuid.NewString()[:8]
}
