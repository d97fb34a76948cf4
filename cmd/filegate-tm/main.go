package main

import (
	"bufio"
	"context"
	"flag"
	"os"
	"time"

	"github.com/danmuck/filegate/internal/logging"
	"github.com/danmuck/filegate/internal/protocol/frame"
	"github.com/danmuck/filegate/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

func main() {
	defaults := session.DefaultConfig()
	backend := flag.String("backend", defaults.Address, "backend address host:port")
	framing := flag.String("framing", string(defaults.Framing), "wire framing: raw or line")
	timeout := flag.Duration("timeout", defaults.RoundTripTimeout, "round trip timeout")
	flag.Parse()

	logging.ConfigureRuntime()

	mode, err := frame.ParseMode(*framing)
	if err != nil {
		log.Error().Err(err).Msg("filegate-tm: bad framing")
		os.Exit(1)
	}
	cfg := defaults
	cfg.Address = *backend
	cfg.Framing = mode
	cfg.RoundTripTimeout = *timeout

	sessions, err := session.NewManager(cfg)
	if err != nil {
		log.Error().Err(err).Msg("filegate-tm: bad session config")
		os.Exit(1)
	}
	app := NewApp(bufio.NewReader(os.Stdin), os.Stdout, sessions)
	runErr := app.Run(context.Background())

	closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sessions.Close(closeCtx); err != nil {
		log.Warn().Err(err).Msg("filegate-tm: session close failed")
	}
	if runErr != nil {
		log.Error().Err(runErr).Msg("filegate-tm")
		os.Exit(1)
	}
}
