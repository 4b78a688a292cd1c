package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/log"
)

// StatusSource is whatever can produce a health snapshot; in practice
// the client.
type StatusSource interface {
	Report() interface{}
}

// Server exposes session health over HTTP for operators: liveness and
// a status snapshot with gateway state, heartbeat latency and active
// voice sessions.
type Server struct {
	router *fiber.App
	source StatusSource
}

func NewServer(source StatusSource) *Server {
	return &Server{source: source}
}

func (server *Server) setupRouter() {
	router := fiber.New()
	router.Use(server.RequestIDMiddleware)
	router.Use(server.RateLimitMiddleware)
	router.Get("/healthz", func(c fiber.Ctx) error {
		return c.SendString("ok")
	})
	router.Get("/status", func(c fiber.Ctx) error {
		if server.source == nil {
			return c.Status(http.StatusServiceUnavailable).SendString("no status source")
		}
		return c.JSON(server.source.Report())
	})
	server.router = router
}

func (server *Server) StartServer(ctx context.Context, addr string) {
	log.Info(fmt.Sprintf("status server start at %s", addr))
	server.setupRouter()
	server.router.Listen(addr, fiber.ListenConfig{
		GracefulContext: ctx,
		OnShutdownSuccess: func() {
			log.Info("status server stopped.")
		},
	})
}
