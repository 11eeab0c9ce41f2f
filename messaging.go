// Package wsmessaging relays broker messages over WebSocket.
//
// A [Provider] runs in one of two modes. In client mode it dials a remote
// WebSocket endpoint and shares that connection between every component
// linked with the same URI. In server mode it accepts WebSocket upgrades and
// tracks each peer as a session. In both modes messages are JSON frames of
// the form
//
//	{"subject": "orders.new", "body": "<base64>", "reply_to": "<session id>"|null}
//
// Plain-text frames are accepted as bodies with a default subject, so simple
// test clients can talk to the relay.
//
// # Thread Safety
//
// [Provider], [Registry] and [HandlerSet] are safe for concurrent use by
// multiple goroutines. Each connection has its own reader and writer
// goroutine; Publish, SendToSession and BroadcastToClients only enqueue and
// never block on the socket.
//
// # Basic Usage
//
//	p, err := wsmessaging.FromConfig(map[string]string{
//	    "URI": "ws://127.0.0.1:8080/ws",
//	}, wsmessaging.WithHandler(wsmessaging.HandlerFunc(
//	    func(ctx context.Context, componentID string, msg wsmessaging.BrokerMessage) error {
//	        fmt.Printf("%s: %s\n", msg.Subject, msg.Body)
//	        return nil
//	    },
//	)))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Shutdown(ctx)
//
//	// Link a component in both directions
//	if err := p.ReceiveLinkConfigAsTarget(ctx, "orders", nil); err != nil {
//	    log.Fatal(err)
//	}
//	if err := p.ReceiveLinkConfigAsSource(ctx, "orders", nil); err != nil {
//	    log.Fatal(err)
//	}
//
//	err = p.Publish("orders", wsmessaging.BrokerMessage{
//	    Subject: "orders.new",
//	    Body:    []byte(`{"id":42}`),
//	})
//
// # Replies
//
// Inbound messages without a reply_to carry the id of the session they
// arrived on, so a handler can answer with [Provider.SendToSession].
// [Provider.Request] publishes with a private reply subject and waits for the
// answer.
//
// # Observability
//
// Use [WithLogger], [WithOnSend], and [WithOnReceive] to add logging and
// monitoring to the provider:
//
//	p, err := wsmessaging.New(cfg,
//	    wsmessaging.WithLogger(slog.Default()),
//	    wsmessaging.WithOnSend(func(sessionID string, msg wsmessaging.BrokerMessage) {
//	        metrics.MessagesSent.Inc()
//	    }),
//	)
package wsmessaging
