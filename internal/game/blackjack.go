package game

import (
	"time"

	"github.com/shopspring/decimal"
)

// Card is rank followed by suit, e.g. "AS", "TD", "9H".
type Card string

const (
	cardRanks = "A23456789TJQK"
	cardSuits = "SHDC"
)

func (c Card) Rank() byte { return c[0] }

// Points counts an ace as 1; handValue promotes one ace to 11 when it fits.
func (c Card) Points() int {
	switch r := c.Rank(); r {
	case 'A':
		return 1
	case 'T', 'J', 'Q', 'K':
		return 10
	default:
		return int(r - '0')
	}
}

// shuffleShoe builds an ordered shoe of n decks and Fisher-Yates shuffles it
// from the outcome stream.
func shuffleShoe(stream *floatStream, decks int) []Card {
	shoe := make([]Card, 0, decks*52)
	for d := 0; d < decks; d++ {
		for i := 0; i < len(cardSuits); i++ {
			for j := 0; j < len(cardRanks); j++ {
				shoe = append(shoe, Card([]byte{cardRanks[j], cardSuits[i]}))
			}
		}
	}
	for i := len(shoe) - 1; i > 0; i-- {
		j := int(stream.next() * float64(i+1))
		shoe[i], shoe[j] = shoe[j], shoe[i]
	}
	return shoe
}

type HandStatus string

const (
	HandPlaying HandStatus = "PLAYING"
	HandDone    HandStatus = "DONE"
)

type HandResult string

const (
	HandResultNone            HandResult = ""
	HandResultBlackjack       HandResult = "blackjack"
	HandResultWin             HandResult = "win"
	HandResultPush            HandResult = "push"
	HandResultLose            HandResult = "lose"
	HandResultBust            HandResult = "bust"
	HandResultDealerBlackjack HandResult = "dealer_blackjack"
)

// Hand is a blackjack hand bound to one bet. The shoe is never stored: it is
// re-derived from the seeds, and Cursor points at the next card to draw.
// Version guards concurrent hit/stand.
type Hand struct {
	BetID      string          `json:"bet_id" db:"bet_id"`
	UserID     string          `json:"user_id" db:"user_id"`
	Currency   string          `json:"currency" db:"currency"`
	Stake      decimal.Decimal `json:"stake" db:"stake"`
	ServerSeed string          `json:"-" db:"server_seed"`
	Commitment string          `json:"commitment" db:"commitment"`
	ClientSeed string          `json:"client_seed" db:"client_seed"`
	Nonce      uint64          `json:"nonce" db:"nonce"`
	Decks      int             `json:"decks" db:"decks"`
	Cursor     int             `json:"-" db:"draw_cursor"`
	Player     []Card          `json:"player" db:"-"`
	Dealer     []Card          `json:"dealer" db:"-"`
	Status     HandStatus      `json:"status" db:"status"`
	Result     HandResult      `json:"result,omitempty" db:"result"`
	Version    int64           `json:"version" db:"version"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// HandView is what the player sees. The dealer's hole card and the server
// seed stay hidden until the hand is done.
type HandView struct {
	BetID       string     `json:"bet_id"`
	Status      HandStatus `json:"status"`
	Result      HandResult `json:"result,omitempty"`
	Player      []Card     `json:"player"`
	PlayerTotal int        `json:"player_total"`
	Dealer      []Card     `json:"dealer"`
	DealerTotal int        `json:"dealer_total,omitempty"`
	Commitment  string     `json:"commitment"`
	ServerSeed  string     `json:"server_seed,omitempty"`
	ClientSeed  string     `json:"client_seed,omitempty"`
	Nonce       uint64     `json:"nonce,omitempty"`
}

func (h *Hand) View() HandView {
	playerTotal, _ := handValue(h.Player)
	v := HandView{
		BetID:       h.BetID,
		Status:      h.Status,
		Result:      h.Result,
		Player:      append([]Card(nil), h.Player...),
		PlayerTotal: playerTotal,
		Commitment:  h.Commitment,
	}
	if h.Status == HandDone {
		v.Dealer = append([]Card(nil), h.Dealer...)
		v.DealerTotal, _ = handValue(h.Dealer)
		v.ServerSeed = h.ServerSeed
		v.ClientSeed = h.ClientSeed
		v.Nonce = h.Nonce
	} else if len(h.Dealer) > 0 {
		v.Dealer = []Card{h.Dealer[0]}
	}
	return v
}

// handValue returns the best total and whether an ace is counted as 11.
func handValue(cards []Card) (int, bool) {
	total, aces := 0, 0
	for _, c := range cards {
		total += c.Points()
		if c.Rank() == 'A' {
			aces++
		}
	}
	if aces > 0 && total+10 <= 21 {
		return total + 10, true
	}
	return total, false
}

func isNatural(cards []Card) bool {
	total, _ := handValue(cards)
	return len(cards) == 2 && total == 21
}

// BlackjackRules plays a hand against a shoe. All methods are pure over the
// hand and the shoe.
type BlackjackRules struct {
	table BlackjackTable
}

func NewBlackjackRules(table BlackjackTable) *BlackjackRules {
	return &BlackjackRules{table: table}
}

func (r *BlackjackRules) draw(h *Hand, shoe []Card) Card {
	c := shoe[h.Cursor%len(shoe)]
	h.Cursor++
	return c
}

// Deal gives two cards each, player first. Naturals end the hand at once.
func (r *BlackjackRules) Deal(h *Hand, shoe []Card) {
	h.Player = append(h.Player[:0], r.draw(h, shoe))
	h.Dealer = append(h.Dealer[:0], r.draw(h, shoe))
	h.Player = append(h.Player, r.draw(h, shoe))
	h.Dealer = append(h.Dealer, r.draw(h, shoe))
	h.Status = HandPlaying

	playerNatural, dealerNatural := isNatural(h.Player), isNatural(h.Dealer)
	switch {
	case playerNatural && dealerNatural:
		r.finish(h, HandResultPush)
	case playerNatural:
		r.finish(h, HandResultBlackjack)
	case dealerNatural:
		r.finish(h, HandResultDealerBlackjack)
	}
}

// Hit draws one card. A bust ends the hand; reaching 21 stands automatically.
func (r *BlackjackRules) Hit(h *Hand, shoe []Card) {
	h.Player = append(h.Player, r.draw(h, shoe))
	total, _ := handValue(h.Player)
	switch {
	case total > 21:
		r.finish(h, HandResultBust)
	case total == 21:
		r.Stand(h, shoe)
	}
}

// Stand plays out the dealer and scores the hand.
func (r *BlackjackRules) Stand(h *Hand, shoe []Card) {
	for {
		total, soft := handValue(h.Dealer)
		if total > 17 || (total == 17 && !(soft && r.table.HitSoft17)) {
			break
		}
		h.Dealer = append(h.Dealer, r.draw(h, shoe))
	}

	player, _ := handValue(h.Player)
	dealer, _ := handValue(h.Dealer)
	switch {
	case dealer > 21 || player > dealer:
		r.finish(h, HandResultWin)
	case player == dealer:
		r.finish(h, HandResultPush)
	default:
		r.finish(h, HandResultLose)
	}
}

func (r *BlackjackRules) finish(h *Hand, result HandResult) {
	h.Status = HandDone
	h.Result = result
}

// Multiplier is the total return on the stake, so a push returns 1.
func (r *BlackjackRules) Multiplier(result HandResult) float64 {
	switch result {
	case HandResultBlackjack:
		return r.table.NaturalPayout
	case HandResultWin:
		return 2
	case HandResultPush:
		return 1
	default:
		return 0
	}
}
