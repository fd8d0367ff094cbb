package game

import "strings"

type CoinSide string

const (
	CoinHeads CoinSide = "heads"
	CoinTails CoinSide = "tails"
)

// CoinFlipEngine pays Payout times the stake with WinProbability. The
// committed outcome is win/lose; the displayed face follows from the call.
type CoinFlipEngine struct {
	table CoinFlipTable
}

func NewCoinFlipEngine(table CoinFlipTable) *CoinFlipEngine {
	return &CoinFlipEngine{table: table}
}

func (c *CoinFlipEngine) GetType() GameType {
	return GameTypeCoinFlip
}

func (c *CoinFlipEngine) Prepare(choice string) (OutcomeParams, error) {
	if _, err := parseCoinSide(choice); err != nil {
		return OutcomeParams{}, err
	}
	return OutcomeParams{WinProbability: c.table.WinProbability}, nil
}

func (c *CoinFlipEngine) Resolve(choice string, o *Outcome) InstantResult {
	side, err := parseCoinSide(choice)
	if err != nil {
		return InstantResult{Outcome: "invalid"}
	}

	landed := side
	if !o.Win {
		landed = side.opposite()
	}
	result := InstantResult{
		Outcome: "lose",
		Detail: map[string]interface{}{
			"call":   side,
			"landed": landed,
		},
	}
	if o.Win {
		result.Outcome = "win"
		result.Multiplier = c.table.Payout
	}
	return result
}

func parseCoinSide(choice string) (CoinSide, error) {
	switch side := CoinSide(strings.ToLower(strings.TrimSpace(choice))); side {
	case CoinHeads, CoinTails:
		return side, nil
	default:
		return "", invalid("choice", "coin flip choice must be heads or tails, got %q", choice)
	}
}

func (s CoinSide) opposite() CoinSide {
	if s == CoinHeads {
		return CoinTails
	}
	return CoinHeads
}
