package server

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pigeon/internal/auth"
	"pigeon/internal/game"
	"pigeon/internal/ledger"
)

const depositRefPrefix = "deposit:"

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	health := fiber.Map{
		"status": "ok",
		"game": fiber.Map{
			"status":            "running",
			"connected_clients": s.hub.GetClientCount(),
			"tables":            s.manager.Snapshots(),
		},
	}
	if s.db != nil {
		health["database"] = s.db.Health()
	}
	if s.cache != nil {
		health["cache"] = s.cache.Health()
	}
	return c.JSON(health)
}

func (s *FiberServer) startRoundHandler(c *fiber.Ctx) error {
	var body struct {
		Table string `json:"table"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return badRequest(c, "invalid request body")
		}
	}

	round, created, err := s.manager.StartRound(c.UserContext(), body.Table)
	if err != nil {
		return writeError(c, err)
	}

	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{
		"success": true,
		"created": created,
		"round":   round.View(s.manager.Now()),
	})
}

func (s *FiberServer) placeBetHandler(c *fiber.Ctx) error {
	var req game.PlaceBetRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	req.UserID = auth.UserID(c)
	if req.Currency == "" {
		req.Currency = s.currency
	}

	resp, err := s.manager.PlaceBet(c.UserContext(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    resp,
	})
}

func (s *FiberServer) cashoutHandler(c *fiber.Ctx) error {
	var body struct {
		BetID string `json:"bet_id"`
	}
	if err := c.BodyParser(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if body.BetID == "" {
		return badRequest(c, "bet_id is required")
	}

	resp, err := s.manager.CashOut(c.UserContext(), auth.UserID(c), body.BetID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    resp,
	})
}

func (s *FiberServer) finalizeHandler(c *fiber.Ctx) error {
	var body struct {
		RoundID string `json:"round_id"`
	}
	if err := c.BodyParser(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if body.RoundID == "" {
		return badRequest(c, "round_id is required")
	}

	resolved, err := s.manager.Finalize(c.UserContext(), body.RoundID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{
		"success":        true,
		"round_id":       body.RoundID,
		"resolved_count": resolved,
	})
}

// roundStateHandler serves the local table view, falling back to the
// snapshot another instance published for tables it owns.
func (s *FiberServer) roundStateHandler(c *fiber.Ctx) error {
	tableID := c.Query("table")

	table, err := s.manager.Table(tableID)
	if err == nil {
		return c.JSON(fiber.Map{"success": true, "data": table.Snapshot()})
	}
	if !errors.Is(err, game.ErrTableNotFound) || s.snapshots == nil {
		return writeError(c, err)
	}

	view, ok, serr := s.snapshots.Get(c.UserContext(), tableID)
	if serr != nil {
		return writeError(c, serr)
	}
	if !ok {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "data": view})
}

func (s *FiberServer) roundHandler(c *fiber.Ctx) error {
	view, err := s.manager.RoundView(c.UserContext(), c.Params("roundId"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "data": view})
}

func (s *FiberServer) singleShotHandler(c *fiber.Ctx) error {
	var req game.SingleShotRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	req.Game = game.GameType(strings.ToLower(c.Params("game")))
	req.UserID = auth.UserID(c)
	if req.Currency == "" {
		req.Currency = s.currency
	}

	result, err := s.resolver.Play(c.UserContext(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    result,
	})
}

func (s *FiberServer) blackjackHitHandler(c *fiber.Ctx) error {
	result, err := s.resolver.Hit(c.UserContext(), auth.UserID(c), c.Params("betId"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "data": result})
}

func (s *FiberServer) blackjackStandHandler(c *fiber.Ctx) error {
	result, err := s.resolver.Stand(c.UserContext(), auth.UserID(c), c.Params("betId"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "data": result})
}

func (s *FiberServer) getBetHandler(c *fiber.Ctx) error {
	bet, err := s.manager.GetBet(c.UserContext(), auth.UserID(c), c.Params("betId"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "data": bet})
}

func (s *FiberServer) balanceHandler(c *fiber.Ctx) error {
	userID := auth.UserID(c)
	currency := c.Query("currency", s.currency)

	balance, err := s.ledger.Balance(c.UserContext(), userID, currency)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{
		"success":  true,
		"user_id":  userID,
		"currency": currency,
		"balance":  balance,
	})
}

// depositHandler credits the caller's wallet. An Idempotency-Key header
// makes retries of the same deposit safe.
func (s *FiberServer) depositHandler(c *fiber.Ctx) error {
	var body struct {
		Amount   decimal.Decimal `json:"amount"`
		Currency string          `json:"currency"`
	}
	if err := c.BodyParser(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if !body.Amount.IsPositive() {
		return badRequest(c, "amount must be positive")
	}
	if body.Currency == "" {
		body.Currency = s.currency
	}

	userID := auth.UserID(c)
	key := c.Get("Idempotency-Key")
	if key == "" {
		key = uuid.NewString()
	}
	ref := depositRefPrefix + userID + ":" + key

	balance, err := s.ledger.Credit(c.UserContext(), userID, body.Currency, body.Amount, ref)
	if errors.Is(err, ledger.ErrDuplicateReference) {
		return writeError(c, errDuplicateRequest)
	}
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success":  true,
		"user_id":  userID,
		"currency": body.Currency,
		"balance":  balance,
	})
}
