package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/nnxlm/internal/api"
	"github.com/samcharles93/nnxlm/internal/logger"
	"github.com/samcharles93/nnxlm/internal/session"
)

func serveCmd() *cli.Command {
	var (
		opts        modelOptions
		addr        string
		readTimeout time.Duration
		idle        time.Duration
	)
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve forward passes over HTTP",
		Flags: append(modelFlags(&opts),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.DurationFlag{
				Name:        "session-idle",
				Usage:       "drop sessions unused for this long (0 disables)",
				Value:       30 * time.Minute,
				Destination: &idle,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, fileConfig, &addr)
			m, _, err := buildModel(ctx, cmd, &opts)
			if err != nil {
				return err
			}

			mgr := session.NewManager(m, opts.maxContext, log.WithGroup("session"))
			if idle > 0 {
				go pruneLoop(ctx, mgr, idle)
			}

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			api.NewServer(mgr, log.WithGroup("api")).Register(e)

			log.Info("starting server", "address", addr, "model", m.Config().String())
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}

func pruneLoop(ctx context.Context, mgr *session.Manager, idle time.Duration) {
	t := time.NewTicker(max(idle/4, time.Second))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			mgr.Prune(idle)
		}
	}
}
