package server

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"pigeon/internal/auth"
	"pigeon/internal/game"
)

const localsWSUser = "ws_user_id"

func (s *FiberServer) RegisterFiberRoutes() {
	// Apply CORS middleware
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Accept,Authorization,Content-Type," + auth.HeaderUserID,
		AllowCredentials: false, // credentials require explicit origins
		MaxAge:           300,
	}))

	s.App.Get("/health", s.healthHandler)
	s.App.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := s.App.Group("/api/v1", s.auth.Middleware())

	round := api.Group("/round")
	round.Post("/start", s.startRoundHandler)
	round.Post("/bet", s.placeBetHandler)
	round.Post("/cashout", s.cashoutHandler)
	round.Post("/finalize", s.finalizeHandler)
	round.Get("/state", s.roundStateHandler)
	round.Get("/:roundId", s.roundHandler)

	single := api.Group("/singleshot")
	single.Post("/blackjack/:betId/hit", s.blackjackHitHandler)
	single.Post("/blackjack/:betId/stand", s.blackjackStandHandler)
	single.Post("/:game", s.singleShotHandler)

	api.Get("/bets/:betId", s.getBetHandler)
	api.Get("/wallet/balance", s.balanceHandler)
	if s.deposits {
		api.Post("/wallet/deposit", s.depositHandler)
	}

	// Watching is anonymous; betting over the socket needs credentials on
	// the upgrade request.
	s.App.Use("/ws", s.upgradeHandler)
	s.App.Get("/ws", websocket.New(s.gameWebSocketHandler))
}

func (s *FiberServer) upgradeHandler(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	var userID string
	var err error
	if s.auth.Trusting() {
		userID = c.Get(auth.HeaderUserID)
	} else if c.Get(fiber.HeaderAuthorization) != "" {
		userID, err = s.auth.Verify(c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return writeUnauthorized(c, err)
		}
	}
	c.Locals(localsWSUser, userID)
	return c.Next()
}

func writeUnauthorized(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"success": false,
		"error":   err.Error(),
		"code":    "UNAUTHORIZED",
	})
}

type wsMessage struct {
	Type string `json:"type"`
	game.PlaceBetRequest
	BetID string `json:"bet_id"`
}

type wsReply struct {
	Type    string      `json:"type"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

var errWSAnonymous = errors.New("authenticate the websocket upgrade to bet")

func (s *FiberServer) gameWebSocketHandler(conn *websocket.Conn) {
	userID, _ := conn.Locals(localsWSUser).(string)

	client := s.hub.Register(conn, userID, s.manager.Snapshots())
	defer s.hub.Unregister(client)

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("user_id", userID).Msg("[WS] read failed")
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		ctx := context.Background()
		switch msg.Type {
		case "ping":
			client.Reply(wsReply{Type: "pong", Success: true})

		case "place_bet":
			if userID == "" {
				client.Reply(wsFailure(msg.Type, errWSAnonymous, "UNAUTHORIZED"))
				continue
			}
			req := msg.PlaceBetRequest
			req.UserID = userID
			if req.Currency == "" {
				req.Currency = s.currency
			}
			resp, err := s.manager.PlaceBet(ctx, req)
			if err != nil {
				_, code := classify(err)
				client.Reply(wsFailure(msg.Type, err, code))
				continue
			}
			client.Reply(wsReply{Type: msg.Type, Success: true, Data: resp})

		case "cashout":
			if userID == "" {
				client.Reply(wsFailure(msg.Type, errWSAnonymous, "UNAUTHORIZED"))
				continue
			}
			resp, err := s.manager.CashOut(ctx, userID, msg.BetID)
			if err != nil {
				_, code := classify(err)
				client.Reply(wsFailure(msg.Type, err, code))
				continue
			}
			client.Reply(wsReply{Type: msg.Type, Success: true, Data: resp})
		}
	}
}

func wsFailure(kind string, err error, code string) wsReply {
	return wsReply{Type: kind, Success: false, Error: err.Error(), Code: code}
}
