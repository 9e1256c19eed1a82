package main

import (
	"context"
	"log"
	"os"

	"github.com/accordchat/accord/internal/keys"
	"github.com/accordchat/accord/internal/server"
	"github.com/accordchat/accord/internal/server/config"
)

func main() {
	ctx := context.Background()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Printf("%v", err)
		os.Exit(1)
	}

	if cfg.GenKeys {
		pair, err := keys.Generate()
		if err == nil {
			err = pair.Save(cfg.KeyFile)
		}
		if err != nil {
			log.Printf("key generation error: %v", err)
			os.Exit(2)
		}
		log.Printf("keypair written to %s", cfg.KeyFile)
		return
	}

	app, err := server.NewApp(ctx, cfg)
	if err != nil {
		log.Printf("%v", err)
		os.Exit(2)
	}

	if err := app.Run(ctx); err != nil {
		log.Printf("%v", err)
		os.Exit(1)
	}
}
