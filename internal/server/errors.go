package server

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"pigeon/internal/game"
	"pigeon/internal/ledger"
)

var errDuplicateRequest = errors.New("request already processed")

type errorKind struct {
	target error
	status int
	code   string
}

var errorKinds = []errorKind{
	{game.ErrRoundAlreadyEnded, fiber.StatusConflict, "ROUND_ALREADY_ENDED"},
	{game.ErrBetNotActive, fiber.StatusConflict, "BET_NOT_ACTIVE"},
	{game.ErrRoundNotAcceptingBets, fiber.StatusConflict, "ROUND_NOT_ACCEPTING_BETS"},
	{game.ErrRoundNotRunning, fiber.StatusConflict, "ROUND_NOT_RUNNING"},
	{game.ErrRoundNotEnded, fiber.StatusConflict, "ROUND_NOT_ENDED"},
	{game.ErrHandBusy, fiber.StatusConflict, "HAND_BUSY"},
	{errDuplicateRequest, fiber.StatusConflict, "DUPLICATE_REQUEST"},

	{game.ErrInsufficientBalance, fiber.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE"},
	{ledger.ErrInsufficientBalance, fiber.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE"},
	{ledger.ErrInvalidAmount, fiber.StatusBadRequest, "VALIDATION_ERROR"},

	{game.ErrRoundNotFound, fiber.StatusNotFound, "ROUND_NOT_FOUND"},
	{game.ErrBetNotFound, fiber.StatusNotFound, "BET_NOT_FOUND"},
	{game.ErrHandNotFound, fiber.StatusNotFound, "HAND_NOT_FOUND"},
	{game.ErrTableNotFound, fiber.StatusNotFound, "TABLE_NOT_FOUND"},
	{game.ErrUnknownGame, fiber.StatusNotFound, "UNKNOWN_GAME"},

	{game.ErrEntropyUnavailable, fiber.StatusServiceUnavailable, "ENTROPY_UNAVAILABLE"},
	{game.ErrLedgerInvariant, fiber.StatusInternalServerError, "LEDGER_INVARIANT_VIOLATION"},
}

func classify(err error) (int, string) {
	var verr *game.ValidationError
	if errors.As(err, &verr) {
		return fiber.StatusBadRequest, "VALIDATION_ERROR"
	}
	for _, kind := range errorKinds {
		if errors.Is(err, kind.target) {
			return kind.status, kind.code
		}
	}
	return fiber.StatusInternalServerError, "INTERNAL_ERROR"
}

// writeError renders err as {success, error, code}. Race losses carry
// missed_window so clients can say "too late" instead of offering a retry.
func writeError(c *fiber.Ctx, err error) error {
	status, code := classify(err)
	msg := err.Error()
	if status == fiber.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Path()).Str("code", code).Msg("[SERVER] request failed")
		if code == "INTERNAL_ERROR" {
			msg = "internal error"
		}
	}

	body := fiber.Map{
		"success": false,
		"error":   msg,
		"code":    code,
	}
	if game.IsRaceLoss(err) {
		body["missed_window"] = true
	}
	return c.Status(status).JSON(body)
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"success": false,
		"error":   msg,
		"code":    "VALIDATION_ERROR",
	})
}
