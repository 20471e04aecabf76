package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/amirasaad/cryptoledger/pkg/app"
	"github.com/amirasaad/cryptoledger/pkg/config"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestListenAddr(t *testing.T) {
	assert.Equal(t, "0.0.0.0:3000", listenAddr(&config.Server{Host: "0.0.0.0", Port: 3000}))
}

func TestServe_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	r := runnerFunc(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return nil
	})

	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, "127.0.0.1:0", fiber.New(fiber.Config{DisableStartupMessage: true}), r, discard)
	}()
	<-started
	// give Listen time to bind before shutting down
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestServe_RunnerFailureStopsServer(t *testing.T) {
	boom := errors.New("consumer failed")
	r := runnerFunc(func(context.Context) error {
		time.Sleep(200 * time.Millisecond)
		return boom
	})

	err := serve(context.Background(), "127.0.0.1:0", fiber.New(fiber.Config{DisableStartupMessage: true}), r, discard)
	assert.ErrorIs(t, err, boom)
}

func TestCloseDeps_ReverseOrder(t *testing.T) {
	var order []int
	deps := &app.Deps{Closers: []func() error{
		func() error { order = append(order, 1); return nil },
		func() error { order = append(order, 2); return errors.New("closing") },
	}}
	require.Error(t, closeDeps(deps))
	assert.Equal(t, []int{2, 1}, order)
}
