package logger

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RequestLogger logs each request once it completes. It expects the
// requestid middleware to have run first.
func RequestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if fe, ok := err.(*fiber.Error); ok {
			status = fe.Code
		}

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = log.Error().Err(err)
		case status >= 400:
			event = log.Warn()
		default:
			event = log.Info()
		}

		requestID, _ := c.Locals("requestid").(string)
		event.Str("request_id", requestID).
			Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("[SERVER] request")
		return err
	}
}
