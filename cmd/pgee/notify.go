package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cjihrig/pgee/pkg/pgee"
	"github.com/spf13/cobra"
)

var notifyCmd = &cobra.Command{
	Use:   "notify <channel> <payload>",
	Short: "Publish a payload to a notification channel",
	Long:  `Publish one payload via pg_notify. The payload is sent as-is when it is valid JSON, and as a JSON string otherwise.`,
	Args:  cobra.ExactArgs(2),
	RunE:  runNotify,
}

func runNotify(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := connString()
	if err != nil {
		return err
	}

	e := pgee.New(
		pgee.WithProvider(pgee.ConnectProvider(conn)),
		pgee.WithLogger(logger),
	)
	defer e.Close()

	errCh := make(chan error, 1)
	e.On(pgee.EventError, func(payload any) {
		pubErr, ok := payload.(error)
		if !ok {
			pubErr = fmt.Errorf("%v", payload)
		}
		select {
		case errCh <- pubErr:
		default:
		}
	})

	if err := connectWithRetry(ctx, e); err != nil {
		return err
	}

	var message any = args[1]
	if json.Valid([]byte(args[1])) {
		message = json.RawMessage(args[1])
	}
	e.Publish(ctx, args[0], message)

	// Publish is fire-and-forget; give the command a moment to surface a
	// failure before exiting.
	select {
	case err := <-errCh:
		return err
	case <-time.After(time.Second):
		return nil
	}
}
