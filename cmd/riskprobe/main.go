package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mastertrade/config"
	"mastertrade/internal/domain"
	"mastertrade/internal/messaging"
)

// Exit codes: 0 approved, 1 rejected, 2 transport or usage error.
const (
	exitApproved  = 0
	exitRejected  = 1
	exitTransport = 2
)

func main() {
	var (
		symbol     = flag.String("symbol", "", "symbol to check, e.g. BTCUSDT")
		side       = flag.String("side", "BUY", "order side: BUY or SELL")
		quantity   = flag.Float64("quantity", 0, "order quantity in base units")
		price      = flag.Float64("price", 0, "limit price; 0 sends a market check")
		strategyID = flag.String("strategy", "riskprobe", "strategy id the check is attributed to")
		strength   = flag.Float64("strength", 0.5, "signal strength in [0,1]")
		timeout    = flag.Duration("timeout", 5*time.Second, "how long to wait for the verdict")
	)
	flag.Parse()

	if *symbol == "" || *quantity <= 0 {
		fmt.Fprintln(os.Stderr, "riskprobe: -symbol and a positive -quantity are required")
		flag.Usage()
		os.Exit(exitTransport)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "riskprobe: load configuration: %v\n", err)
		os.Exit(exitTransport)
	}

	// The verdict goes to stdout, so diagnostics stay on stderr.
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.WarnLevel)

	fabric := messaging.New(messaging.Config{
		URL:                  cfg.RabbitConfig.URL,
		Prefetch:             cfg.RabbitConfig.Prefetch,
		ReconnectMaxInterval: cfg.RabbitConfig.ReconnectMaxInterval,
		PublishTimeout:       cfg.RabbitConfig.PublishTimeout,
		RequestTimeout:       *timeout,
	}, nil, logger)
	if err := fabric.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "riskprobe: connect to fabric: %v\n", err)
		os.Exit(exitTransport)
	}

	orderType := "LIMIT"
	if *price <= 0 {
		orderType = "MARKET"
	}
	req := domain.RiskCheckRequest{
		RequestID:      uuid.NewString(),
		Symbol:         *symbol,
		StrategyID:     *strategyID,
		OrderType:      orderType,
		OrderSide:      *side,
		Quantity:       *quantity,
		Price:          *price,
		SignalStrength: *strength,
		Timestamp:      time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	body, err := fabric.Request(ctx, messaging.ExchangeRiskCheck, messaging.KeyRiskCheckRequest, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "riskprobe: risk check request: %v\n", err)
		os.Exit(exitTransport)
	}

	var resp domain.RiskCheckResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "riskprobe: decode verdict: %v\n", err)
		os.Exit(exitTransport)
	}

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "riskprobe: encode verdict: %v\n", err)
		os.Exit(exitTransport)
	}
	fmt.Println(string(out))

	_ = fabric.Close()
	if resp.Approved {
		os.Exit(exitApproved)
	}
	os.Exit(exitRejected)
}
