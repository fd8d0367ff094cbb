package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorders(t *testing.T) {
	before := testutil.ToFloat64(betTotal.WithLabelValues("crash", "placed"))
	RecordBet("CRASH", "placed")
	if got := testutil.ToFloat64(betTotal.WithLabelValues("crash", "placed")); got != before+1 {
		t.Errorf("wager_bets_total = %v, want %v", got, before+1)
	}

	before = testutil.ToFloat64(cashoutTotal.WithLabelValues("auto", "won"))
	RecordCashout(true, "won")
	if got := testutil.ToFloat64(cashoutTotal.WithLabelValues("auto", "won")); got != before+1 {
		t.Errorf("wager_cashouts_total = %v, want %v", got, before+1)
	}

	before = testutil.ToFloat64(settlementTotal.WithLabelValues("dice", "lost"))
	RecordSettlement("Dice", "LOST")
	if got := testutil.ToFloat64(settlementTotal.WithLabelValues("dice", "lost")); got != before+1 {
		t.Errorf("wager_settlements_total = %v, want %v", got, before+1)
	}

	ObserveCrashPoint(2.5)
	ObserveFinalize(time.Now())
	RecordRound("main", "crashed")
	RecordRaceLoss("cashout")
	RecordLedgerError("credit", "unavailable")
}

func TestHTTPMiddleware(t *testing.T) {
	app := fiber.New()
	app.Use(HTTPMiddleware())
	app.Get("/bets/:betId", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNotFound) })

	before := testutil.ToFloat64(httpReqTotal.WithLabelValues("/bets/:betId", "GET", "404"))
	for _, id := range []string{"a", "b"} {
		resp, err := app.Test(httptest.NewRequest("GET", "/bets/"+id, nil))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
	}

	if got := testutil.ToFloat64(httpReqTotal.WithLabelValues("/bets/:betId", "GET", "404")); got != before+2 {
		t.Errorf("http_requests_total = %v, want %v (route pattern label)", got, before+2)
	}
}
