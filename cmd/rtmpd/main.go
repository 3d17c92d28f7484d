package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/jfcarter/rtmp-server/config"
	"github.com/jfcarter/rtmp-server/rtmpserver"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults omitted fields)")
	dev := flag.Bool("dev", false, "use zap's development logger instead of production")
	flag.Parse()

	logger, err := newLogger(*dev)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg := config.Default()
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			logger.Fatal("failed to load config", zap.Error(err))
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := rtmpserver.New(logger, cfg)
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
