// streamwatch connects to the event gateway and streams change events to the
// console.
// Usage: go run ./cmd/streamwatch --config configs/engine.local.yaml
//
// Environment variables:
//
//	WAREFLOW_ACCESS_TOKEN - access token presented to the gateway (optional)
//	WAREFLOW_TENANT_ID    - tenant to scope subscriptions to (optional)
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wareflow/realtime-go/internal/auth"
	"github.com/wareflow/realtime-go/internal/client"
	"github.com/wareflow/realtime-go/internal/config"
	"github.com/wareflow/realtime-go/internal/pool"
	sig "github.com/wareflow/realtime-go/internal/signal"
	"github.com/wareflow/realtime-go/internal/subscription"
	"github.com/wareflow/realtime-go/internal/version"
)

// envTokenSource reads credentials from the environment. It cannot refresh;
// a refresh attempt surfaces as an auth-required signal.
type envTokenSource struct{}

func (envTokenSource) AccessToken() (string, bool) {
	token := os.Getenv("WAREFLOW_ACCESS_TOKEN")
	return token, token != ""
}

func (envTokenSource) Refresh(ctx context.Context) (auth.Token, error) {
	token, ok := envTokenSource{}.AccessToken()
	if !ok {
		return auth.Token{}, fmt.Errorf("no access token in environment")
	}
	return auth.Token{Value: token, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func main() {
	configPath := flag.String("config", "configs/engine.example.yaml", "path to config file")
	operation := flag.String("operation", "EntitiesChanged", "subscription operation name")
	query := flag.String("query", "subscription EntitiesChanged { entitiesChanged { id } }", "subscription operation body")
	entityType := flag.String("entity", "", "filter to one entity type (optional)")
	verbose := flag.Bool("verbose", false, "print full event JSON")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	// Load config
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	rt, err := client.New(cfg, envTokenSource{}, client.Options{Logger: logger})
	if err != nil {
		logger.Error("failed to create client", "error", err)
		os.Exit(1)
	}

	if err := rt.Start(ctx); err != nil {
		logger.Error("failed to start client", "error", err)
		os.Exit(1)
	}
	defer rt.Stop()

	if tenant := os.Getenv("WAREFLOW_TENANT_ID"); tenant != "" {
		rt.Bus().Publish(sig.TopicTenantSwitch, sig.Payload{TenantID: tenant})
	}

	vars := map[string]any{}
	if *entityType != "" {
		vars["entityType"] = *entityType
	}

	sub, err := rt.Subscribe(ctx, subscription.Definition{
		OperationName: *operation,
		Query:         *query,
	}, client.SubscribeOptions{
		Variables: vars,
		OnData: func(data json.RawMessage) {
			if *verbose {
				fmt.Printf("%s\n", data)
				return
			}
			fmt.Printf("event: %.120s\n", data)
		},
		OnError: func(err error) {
			logger.Warn("subscription error", "error", err)
		},
		OnStatusChange: func(status pool.Status) {
			logger.Info("connection status", "status", status.String())
		},
	})
	if err != nil {
		logger.Error("subscribe failed", "error", err)
		os.Exit(1)
	}
	defer sub.Unsubscribe()

	logger.Info("streaming events", "operation", *operation, "sub_id", sub.ID())

	// Periodic stats, like a slow heartbeat
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := rt.Stats()
			logger.Info("stats",
				"pools", stats.TotalPools,
				"subscriptions", stats.TotalSubscriptions,
			)
		}
	}
}
