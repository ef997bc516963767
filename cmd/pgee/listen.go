package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/cenkalti/backoff/v4"
	"github.com/cjihrig/pgee/pkg/pgee"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var listenCmd = &cobra.Command{
	Use:   "listen <channel> [channel...]",
	Short: "Tail notification channels to stdout",
	Long:  `Subscribe to one or more notification channels and print each inbound notification as a JSON line. Reconnects with exponential backoff when the connection drops.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runListen,
}

func runListen(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	conn, err := connString()
	if err != nil {
		return err
	}

	for {
		e := pgee.New(
			pgee.WithProvider(pgee.ConnectProvider(conn)),
			pgee.WithLogger(logger),
		)

		lost := make(chan struct{})
		var once sync.Once
		e.On(pgee.EventError, func(payload any) {
			if _, ok := payload.(*pgee.ConnError); ok {
				once.Do(func() { close(lost) })
				return
			}
			logger.Warn("emitter error", zap.Any("error", payload))
		})

		if err := connectWithRetry(ctx, e); err != nil {
			return err
		}
		if err := subscribeAll(ctx, e, args); err != nil {
			e.Close()
			return err
		}
		logger.Info("listening", zap.Strings("channels", args))

		select {
		case <-sigChan:
			logger.Info("shutting down")
			e.Close()
			return nil
		case <-lost:
			logger.Warn("connection lost, reconnecting")
			e.Close()
		}
	}
}

// connectWithRetry dials through the emitter's provider with exponential
// backoff until the context is canceled.
func connectWithRetry(ctx context.Context, e *pgee.Emitter) error {
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.Retry(func() error {
		errCh := make(chan error, 1)
		e.Connect(ctx, func(_ string, err error) { errCh <- err })
		select {
		case err := <-errCh:
			if err != nil {
				logger.Warn("connect attempt failed", zap.Error(err))
			}
			return err
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		}
	}, bo)
}

// subscribeAll subscribes each channel with a listener that prints inbound
// payloads as JSON lines. It blocks until every subscription settles.
func subscribeAll(ctx context.Context, e *pgee.Emitter, channels []string) error {
	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, ch := range channels {
		ch := ch
		wg.Add(1)
		e.Subscribe(ctx, ch,
			func(payload any) {
				line, err := json.Marshal(map[string]any{"channel": ch, "payload": payload})
				if err != nil {
					logger.Warn("encode notification", zap.String("channel", ch), zap.Error(err))
					return
				}
				fmt.Println(string(line))
			},
			func(_ string, err error) {
				defer wg.Done()
				if err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			})
	}
	wg.Wait()
	return errors.Join(errs...)
}
