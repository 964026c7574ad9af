package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/vadim/neo-crm/internal/app"
	"github.com/vadim/neo-crm/internal/config"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file; environment variables are used when empty")
	flag.Parse()

	// Load configuration; environment variables override file values
	var cfg config.Config
	if *configPath != "" {
		var err error
		cfg, err = config.LoadFromFile(*configPath)
		if err != nil {
			log.Fatalf("failed to load config file %s: %v", *configPath, err)
		}
	} else {
		cfg = config.MustLoad()
	}

	ctx := context.Background()

	application, err := app.NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize messaging service: %v", err)
	}

	// Run application (blocks until shutdown)
	if err := application.Run(ctx); err != nil {
		log.Printf("application error: %v", err)
		os.Exit(1)
	}
}
