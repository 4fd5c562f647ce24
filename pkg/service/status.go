package service

import (
	"github.com/charmbracelet/log"
	"github.com/gofiber/fiber/v3"

	"github.com/theapemachine/rpcswitch-go/pkg/broker"
)

/*
StatusServer exposes the switch's introspection surface over plain HTTP, so
operators and monitoring can read the same numbers rpcswitch.get_stats serves
without speaking JSON-RPC. It is read-only; all mutation stays on the switch
protocol itself.
*/
type StatusServer struct {
	app    *fiber.App
	broker *broker.Broker
}

func NewStatusServer(b *broker.Broker) *StatusServer {
	srv := &StatusServer{
		app: fiber.New(fiber.Config{
			AppName:      "RPC Switch Status",
			ServerHeader: "RPC-Switch-Status",
		}),
		broker: b,
	}

	srv.routes()
	return srv
}

func (srv *StatusServer) routes() {
	srv.app.Get("/healthz", func(ctx fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

	srv.app.Get("/stats", func(ctx fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(srv.broker.Stats())
	})

	srv.app.Get("/metrics", func(ctx fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(srv.broker.Metrics().Snapshot())
	})

	srv.app.Get("/clients", func(ctx fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(srv.broker.Clients())
	})

	srv.app.Get("/methods", func(ctx fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(srv.broker.MethodList())
	})

	srv.app.Get("/methods/:name", func(ctx fiber.Ctx) error {
		details, ok := srv.broker.MethodDetails(ctx.Params("name"))

		if !ok {
			return ctx.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "no such method",
			})
		}

		return ctx.Status(fiber.StatusOK).JSON(details)
	})

	srv.app.Get("/workers", func(ctx fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(srv.broker.Workers())
	})
}

// App exposes the fiber app for in-process tests.
func (srv *StatusServer) App() *fiber.App {
	return srv.app
}

// Run blocks serving the status endpoints on addr.
func (srv *StatusServer) Run(addr string) error {
	log.Info("status server listening", "addr", addr)
	return srv.app.Listen(addr)
}

// Shutdown stops the status server gracefully.
func (srv *StatusServer) Shutdown() error {
	return srv.app.Shutdown()
}
