package main

import (
	"context"
	"log"

	"github.com/tripmark/tripsync/internal/server"
	"github.com/tripmark/tripsync/internal/server/config"
)

func main() {
	ctx := context.Background()
	cfg := config.LoadConfig()

	a, err := server.NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if err := a.Run(ctx); err != nil {
		log.Fatalf("%v", err)
	}
}
