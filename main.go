package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/dercio258/ratixpay.com-sub007/internal/config"
	"github.com/dercio258/ratixpay.com-sub007/internal/db"
	"github.com/dercio258/ratixpay.com-sub007/internal/handler"
	"github.com/dercio258/ratixpay.com-sub007/internal/poller"
	"github.com/dercio258/ratixpay.com-sub007/internal/provider"
	"github.com/dercio258/ratixpay.com-sub007/internal/realtime"
	"github.com/dercio258/ratixpay.com-sub007/internal/recovery"
	"github.com/dercio258/ratixpay.com-sub007/internal/retry"
)

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatal("configuração inválida: ", err)
	}

	store, err := db.Open(cfg.MySQL.DSN())
	if err != nil {
		log.Fatal("base de dados: ", err)
	}

	hub := realtime.NewHub()

	payments := provider.New(provider.Config{
		BaseURL:           cfg.Payment.BaseURL,
		ClientID:          cfg.Payment.ClientID,
		ClientSecret:      cfg.Payment.ClientSecret,
		BearerToken:       cfg.Payment.BearerToken,
		WalletMpesa:       cfg.Payment.WalletMpesa,
		WalletEmola:       cfg.Payment.WalletEmola,
		ConnectionTimeout: cfg.Payment.ConnectionTimeout,
		ResponseTimeout:   cfg.Payment.ResponseTimeout,
		TotalTimeout:      cfg.Payment.TotalTimeout,
		Retry: retry.Policy{
			MaxAttempts:       cfg.Payment.MaxAttempts,
			InitialDelay:      cfg.Payment.InitialDelay,
			BackoffMultiplier: cfg.Payment.BackoffMultiplier,
		},
	})

	statusPoller := poller.New(poller.Config{
		CheckInterval:  cfg.Poller.CheckInterval,
		OverallTimeout: cfg.Poller.OverallTimeout,
		MaxChecks:      cfg.Poller.MaxChecks,
	}, payments, store, hub)

	messenger := recovery.NewHTTPMessenger(cfg.Recovery.MessengerURL, cfg.Recovery.CheckoutBaseURL)
	recoverySvc := recovery.NewService(recovery.Config{
		SendDelay:        cfg.Recovery.SendDelay,
		ConversionWindow: cfg.Recovery.ConversionWindow,
		MaxAttempts:      cfg.Recovery.MaxAttempts,
		BatchSize:        cfg.Recovery.BatchSize,
	}, store, messenger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go recovery.NewScheduler(recoverySvc, cfg.Recovery.Warmup, cfg.Recovery.Period).Run(ctx)

	h := handler.New(store, payments, statusPoller, recoverySvc, hub, handler.Limits{
		AmountMin: cfg.Payment.AmountMin,
		AmountMax: cfg.Payment.AmountMax,
	})

	r := gin.Default()
	handler.RegisterRoutes(r, h)

	addr := fmt.Sprintf(":%d", cfg.App.Port)
	log.Printf("servidor iniciado em %s", addr)
	if err := r.Run(addr); err != nil {
		log.Fatal("servidor: ", err)
	}
}
