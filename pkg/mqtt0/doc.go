// Package mqtt0 implements a QoS 0 MQTT messaging stack: wire codecs for
// MQTT 3.1.1 and 5.0, a wildcard topic trie, a pattern-dispatch Mux, a
// client, and a feature-complete broker.
//
// Everything is fire-and-forget. There is no QoS 1/2 delivery, no session
// persistence, no retained-message store and no will handling; what
// remains is a small, embeddable core for workloads where at-most-once is
// the right trade.
//
// The broker does not own a listener. Its entry point is
// [Broker.ServeConn], which drives exactly one already-accepted
// connection; [Broker.Serve] and [Listen] are conveniences layered on top
// for hosts that do want a listening socket. Connections are abstracted
// behind [Transport], so the same broker serves TCP, TLS and WebSocket
// clients, or anything else that can push bytes.
//
// Serving a broker:
//
//	broker := &mqtt0.Broker{
//	    Authenticator:    myAuth, // defaults to AllowAll
//	    SysEventsEnabled: true,
//	}
//	ln, err := mqtt0.Listen("tcp", ":1883", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(broker.Serve(ln))
//
// Talking to one:
//
//	client, err := mqtt0.Connect(ctx, mqtt0.ClientConfig{
//	    Addr:     "tcp://127.0.0.1:1883",
//	    ClientID: "sensor-gw-1",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	if err := client.Subscribe(ctx, "sensor/+/temp"); err != nil {
//	    log.Fatal(err)
//	}
//	client.Publish(ctx, "sensor/room1/temp", []byte("22.5"))
//
//	// Recv returns the next message another client publishes to a
//	// matching topic; the broker never delivers a client's own
//	// publications (such as the one above) back to it.
//	msg, err := client.Recv(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("%s: %s\n", msg.Topic, msg.Payload)
//
// Subscriptions support the standard `+` and `#` wildcards, shared
// subscriptions via `$share/<group>/<filter>` (round-robin within the
// group), and v5 topic aliases on inbound publishes. With
// SysEventsEnabled the broker emits EMQX-compatible lifecycle events
// under `$SYS/brokers/<client-id>/...`.
//
// Decoded packets and the Messages handed to broker handlers are views
// into a per-connection read buffer, valid only until the next read;
// [Message.Clone] makes an owned copy. Client.Recv already returns owned
// copies.
package mqtt0
