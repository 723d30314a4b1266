package main

import (
	"context"
	"log"

	"github.com/tripmark/tripsync/internal/client/app"
	"github.com/tripmark/tripsync/internal/client/config"
)

func main() {
	ctx := context.Background()
	cfg := config.LoadConfig()

	a, err := app.NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if err := a.Run(ctx); err != nil {
		log.Fatalf("%v", err)
	}
}
