package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/claimgate/pkg/api"
	"github.com/Mindburn-Labs/claimgate/pkg/config"
)

const (
	apiRPS   = 20
	apiBurst = 40
)

func runServer(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	port := cmd.String("port", "", "Listen port (overrides PORT)")
	policyFile := cmd.String("policy", "", "Policy YAML (overrides POLICY_FILE)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	if *port != "" {
		cfg.Port = *port
	}
	if *policyFile != "" {
		cfg.PolicyFile = *policyFile
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, _ = fmt.Fprintln(stdout, "claimgate starting...")
	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer rt.Close(context.Background())

	limiter := api.NewGlobalRateLimiter(apiRPS, apiBurst)
	defer limiter.Close()

	opts := []api.Option{api.WithRateLimiter(limiter)}
	if rt.verifier != nil {
		opts = append(opts, api.WithTokenVerifier(rt.verifier))
	}
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewServer(rt.svc, opts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf("[claimgate] ready: http://localhost:%s", cfg.Port)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			_, _ = fmt.Fprintf(stderr, "Error: server failed: %v\n", err)
			return 2
		}
	case <-ctx.Done():
		log.Println("[claimgate] shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: shutdown: %v\n", err)
			return 2
		}
	}
	return 0
}
