package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fenwick-iot/mqtt0/pkg/mqtt0"
)

var (
	flagPubTopic   string
	flagPubMessage string
	flagPubStdin   bool
	flagPubRetain  bool
)

var pubCmd = &cobra.Command{
	Use:   "pub",
	Short: "Publish a message",
	RunE:  runPub,
}

func init() {
	pubCmd.Flags().StringVarP(&flagPubTopic, "topic", "t", "", "topic to publish to (required)")
	pubCmd.Flags().StringVarP(&flagPubMessage, "message", "m", "", "message payload")
	pubCmd.Flags().BoolVar(&flagPubStdin, "stdin", false, "read the payload from stdin")
	pubCmd.Flags().BoolVar(&flagPubRetain, "retain", false, "set the retain flag")
	pubCmd.MarkFlagRequired("topic")
	rootCmd.AddCommand(pubCmd)
}

func runPub(cmd *cobra.Command, args []string) error {
	payload := []byte(flagPubMessage)
	if flagPubStdin {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		payload = data
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := connectClient(ctx, 0)
	if err != nil {
		return err
	}
	defer client.Close()

	if flagPubRetain {
		return client.PublishRetain(ctx, flagPubTopic, payload)
	}
	return client.Publish(ctx, flagPubTopic, payload)
}

// connectClient dials the broker using the global connection flags.
func connectClient(ctx context.Context, keepAlive uint16) (*mqtt0.Client, error) {
	version := mqtt0.ProtocolV4
	if flagV5 {
		version = mqtt0.ProtocolV5
	}
	var password []byte
	if flagPassword != "" {
		password = []byte(flagPassword)
	}
	return mqtt0.Connect(ctx, mqtt0.ClientConfig{
		Addr:            flagAddr,
		ClientID:        clientID(),
		Username:        flagUsername,
		Password:        password,
		KeepAlive:       keepAlive,
		AutoKeepalive:   keepAlive > 0,
		ProtocolVersion: version,
		CleanSession:    true,
	})
}
