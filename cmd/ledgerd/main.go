package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/EFHC-Network/ledger_core/internal/app/runtime"
)

func main() {
	// Optional .env for local development; the environment always wins.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("load .env: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := runtime.NewApplication()
	if err != nil {
		log.Fatalf("initialise application: %v", err)
	}

	if err := app.Start(ctx); err != nil {
		log.Fatalf("start services: %v", err)
	}

	if err := app.Run(ctx); err != nil {
		log.Fatalf("run server: %v", err)
	}

	shutdownCtx := context.Background()
	if err := app.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}
