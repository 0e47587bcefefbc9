package cli

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/handlers"
	"github.com/Ramsey-B/fern/internal/server"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/queue"
	"github.com/Ramsey-B/fern/pkg/scheduler"
	"github.com/Ramsey-B/fern/pkg/startup"
)

// Long-running components are started with a context that signals do not cancel, so
// in-flight syncs finish during Stop.

func (a *app) addScheduler() {
	if !a.cfg.SchedulerEnabled {
		a.logger.Info("Scheduler disabled")
		return
	}

	var s *scheduler.Scheduler
	a.boot.AddDependency(startup.Func{
		Name:  "scheduler",
		Needs: []string{depEngine},
		StartFn: func(ctx context.Context) error {
			s = scheduler.NewScheduler(
				scheduler.NewRepository(a.db, a.logger),
				a.streams,
				a.locker,
				a.cfg.Scheduler(),
				a.logger,
			)
			return s.Start(context.WithoutCancel(ctx))
		},
		StopFn: func(ctx context.Context) error { return s.Stop(ctx) },
	})
}

func (a *app) addWorkers() {
	var p *queue.Processor
	a.boot.AddDependency(startup.Func{
		Name:  "workers",
		Needs: []string{depEngine},
		StartFn: func(ctx context.Context) error {
			p = queue.NewProcessor(a.streams, a.dlq, a.engine, a.cfg.Processor(), a.logger)
			return p.Start(context.WithoutCancel(ctx))
		},
		StopFn: func(ctx context.Context) error { return p.Stop(ctx) },
	})
}

func (a *app) addServer() {
	var srv *server.Server
	a.boot.AddDependency(startup.Func{
		Name:  "server",
		Needs: []string{depEngine},
		StartFn: func(ctx context.Context) error {
			auth, err := a.authMiddleware(ctx)
			if err != nil {
				return err
			}

			srv = server.New(a.serverConfig(), a.logger, a.checker, auth,
				handlers.NewIntegrationHandler(a.integrations, a.registry, a.mapper, a.engine, a.logger),
				handlers.NewRuleHandler(a.rules, a.formulas),
				handlers.NewTransactionHandler(a.transactions),
				handlers.NewSyncHandler(a.integrations, a.engine, a.streams, a.cfg.QueueStream, a.logger),
				handlers.NewDLQHandler(a.dlq, a.streams, a.cfg.QueueStream, a.logger),
			)
			return srv.Start(context.WithoutCancel(ctx))
		},
		StopFn: func(ctx context.Context) error { return srv.Stop(ctx) },
	})
}

func (a *app) authMiddleware(ctx context.Context) (echo.MiddlewareFunc, error) {
	if !a.cfg.AuthEnabled {
		a.logger.Warn("Authentication disabled; trusting tenant headers")
		return middleware.HeaderAuth(), nil
	}

	verifier, err := middleware.NewOIDCVerifier(ctx, a.cfg.AuthIssuerURL, a.cfg.AuthClientID)
	if err != nil {
		return nil, err
	}
	return middleware.Authentication(a.logger, verifier), nil
}

func (a *app) serverConfig() server.Config {
	return server.Config{
		AppName:           a.cfg.AppName,
		Port:              a.cfg.Port,
		ReadTimeout:       time.Duration(a.cfg.HttpServerReadTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(a.cfg.ReadHeaderTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(a.cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(a.cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
		AllowOrigins:      a.cfg.AllowOrigins,
		AllowMethods:      a.cfg.AllowMethods,
	}
}
