package server

import (
	"net/http"
	"sync"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	requestIDHeader = "X-Request-Id"

	statusRequestsPerSecond = 10
	statusBurst             = 20
)

// RequestIDMiddleware tags every request so log lines from one call
// can be correlated.
func (server *Server) RequestIDMiddleware(c fiber.Ctx) error {
	id := c.Get(requestIDHeader)
	if id == "" {
		id = uuid.New().String()
	}
	c.Set(requestIDHeader, id)
	return c.Next()
}

var (
	limitersMu sync.Mutex
	limiters   = make(map[string]*rate.Limiter)
)

func limiterFor(addr string) *rate.Limiter {
	limitersMu.Lock()
	defer limitersMu.Unlock()
	if limiter, ok := limiters[addr]; ok {
		return limiter
	}
	limiter := rate.NewLimiter(statusRequestsPerSecond, statusBurst)
	limiters[addr] = limiter
	return limiter
}

// RateLimitMiddleware caps each remote address's request rate. The
// status endpoint is cheap but it is still polled by dashboards, not
// hammered.
func (server *Server) RateLimitMiddleware(c fiber.Ctx) error {
	if !limiterFor(c.IP()).Allow() {
		return c.Status(http.StatusTooManyRequests).SendString("slow down")
	}
	return c.Next()
}
