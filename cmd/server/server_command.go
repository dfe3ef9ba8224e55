package main

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/makeasinger/jobengine/internal/auth"
	"github.com/makeasinger/jobengine/internal/config"
	"github.com/makeasinger/jobengine/internal/events"
	"github.com/makeasinger/jobengine/internal/handler"
	"github.com/makeasinger/jobengine/internal/log"
	"github.com/makeasinger/jobengine/internal/middleware"
	"github.com/makeasinger/jobengine/internal/service"
	ws "github.com/makeasinger/jobengine/internal/websocket"
	"github.com/makeasinger/jobengine/internal/worker"
	"github.com/makeasinger/jobengine/pkg/response"
)

func newServerCommand(ctx *commandContext) *cobra.Command {
	var noWorker bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Serve the job API and progress streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg, !noWorker)
		},
	}

	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "Do not process jobs in this process")
	return cmd
}

func runServer(ctx context.Context, cfg *config.Config, withWorker bool) error {
	comps, err := newComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer comps.close()

	hub := ws.NewHub()
	comps.tracker.AddNotifier(hub)

	if comps.bus != nil {
		relay := events.NewRelay(comps.bus, cfg.NATS.SubjectPrefix, comps.origin, hub)
		if err := relay.Start(); err != nil {
			return err
		}
		defer relay.Stop()
	}

	verifier := newVerifier(ctx, cfg)
	svc := service.NewJobService(comps.jobs, comps.queue, comps.tracker, comps.metadata)
	app := newHTTPApp(cfg, comps, svc, hub, verifier)

	var jobWorker *worker.Worker
	if withWorker {
		if jobWorker, err = comps.newWorker(ctx); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	comps.runFinalizer(gctx, g)
	if jobWorker != nil {
		g.Go(func() error { return jobWorker.Run(gctx) })
	}

	g.Go(func() error {
		addr := ":" + cfg.Server.Port
		log.Info("server starting", "addr", addr, "worker", withWorker)
		return app.Listen(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		return app.ShutdownWithTimeout(10 * time.Second)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newVerifier chains the Zitadel JWKS verifier with the shared-secret one.
// A JWKS discovery failure falls back to the shared secret alone.
func newVerifier(ctx context.Context, cfg *config.Config) auth.Chain {
	var chain auth.Chain
	if cfg.Zitadel.Issuer != "" {
		v, err := auth.NewJWKSVerifier(ctx, &cfg.Zitadel)
		if err != nil {
			log.Error(err, "JWKS verifier unavailable, using shared secret only", "issuer", cfg.Zitadel.Issuer)
		} else {
			chain = append(chain, v)
		}
	}
	if cfg.JWT.Secret != "" {
		chain = append(chain, auth.NewHMACVerifier(cfg.JWT.Secret))
	}
	if len(chain) == 0 && !cfg.Gateway.Enabled {
		log.Info("no token verifier configured; every API request will be rejected")
	}
	return chain
}

func newHTTPApp(cfg *config.Config, comps *components, svc *service.JobService, hub *ws.Hub, verifier auth.TokenVerifier) *fiber.App {
	jobHandler := handler.NewJobHandler(svc, hub, validator.New())
	authHandler := handler.NewAuthHandler(verifier)
	rateLimiter := middleware.NewRateLimiter(comps.redis)

	authenticate := middleware.Authenticate(verifier)
	if cfg.Gateway.Enabled {
		authenticate = middleware.GatewayAuth()
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    1 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		if err := comps.redis.Ping(c.UserContext()).Err(); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded", "redis": err.Error()})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// ForwardAuth endpoint for the gateway
	app.Get("/auth/verify", authHandler.Verify)

	jobs := app.Group("/api/jobs", authenticate)
	jobs.Post("/", rateLimiter.SubmitLimit(cfg.RateLimit.SubmitPerHour), jobHandler.Submit)
	jobs.Get("/:jobId", jobHandler.Status)
	jobs.Post("/:jobId/cancel", jobHandler.Cancel)
	jobs.Get("/:jobId/metadata", jobHandler.Metadata)

	app.Get("/ws/jobs/:jobId", authenticate, jobHandler.Upgrade, jobHandler.Stream())

	return app
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		message = fe.Message
	}

	return response.Error(c, code, response.CodeServiceError, message, nil)
}
