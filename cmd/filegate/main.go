package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"github.com/danmuck/filegate/internal/gateway"
	"github.com/danmuck/filegate/internal/observability"
	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "", "path to a filegate TOML config (defaults apply when empty)")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "filegate: load .env: %v\n", err)
		os.Exit(1)
	}
	logger := observability.InitLogger("filegate")

	cfg, err := loadServiceConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "filegate: %v\n", err)
		os.Exit(1)
	}
	svc, err := gateway.NewService(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "filegate: %v\n", err)
		os.Exit(1)
	}
	logger.Info().
		Str("listen", cfg.ListenAddr).
		Str("backend", cfg.Session.Address).
		Msg("filegate starting")
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "filegate: %v\n", err)
		os.Exit(1)
	}
}
