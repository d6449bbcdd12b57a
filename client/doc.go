// Copyright 2025 The Go AMTP Authors
// SPDX-License-Identifier: Apache-2.0

// Package client implements the AMTP delivery and dispatch engine: it
// connects a local agent to an AMTP gateway, sends schema-validated
// messages with at-least-once delivery and idempotent retry, and receives
// inbound messages in pull (polling) or push (receive entrypoint) mode
// with deduplicated handler dispatch.
//
// A minimal agent looks like:
//
//	c, err := client.New("my-agent@example.com",
//		client.WithGatewayURL("https://gateway.example.com"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	c.OnMessage(func(ctx context.Context, msg *amtp.Message) (map[string]any, error) {
//		return map[string]any{"status": "processed"}, nil
//	})
//	if err := c.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer c.Stop(context.Background())
//
//	msg := amtp.NewMessage(c.Address(), amtp.MustParseAddress("other@example.org"))
//	msg.Subject = "Hello"
//	msg.Payload = map[string]any{"greeting": "hi"}
//	id, err := c.Send(ctx, msg)
package client
