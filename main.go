package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hendrywilliam/harpy/src"
	"github.com/hendrywilliam/harpy/src/server"
	"github.com/hendrywilliam/harpy/src/utils"
	"github.com/joho/godotenv"
)

var signals = []os.Signal{
	os.Interrupt,
	syscall.SIGINT,
	syscall.SIGTERM,
}

type statusSource struct {
	client *src.Client
}

func (s *statusSource) Report() interface{} {
	return s.client.Report()
}

func main() {
	godotenv.Load()
	cfg := utils.LoadConfiguration()
	logger := slog.New(src.NewCustomHandler(os.Stdout, src.CustomHandlerOpts{}))

	ctx, stop := signal.NotifyContext(context.Background(), signals...)
	defer stop()

	client := src.NewClient(src.ClientArguments{
		Config: cfg,
		Log:    logger,
	})
	if cfg.StatusAddress != "" {
		statusServer := server.NewServer(&statusSource{client: client})
		go statusServer.StartServer(ctx, cfg.StatusAddress)
	}
	if err := client.Open(ctx); err != nil {
		logger.Error(err.Error())
		stop()
		os.Exit(1)
	}
}
