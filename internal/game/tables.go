package game

import (
	"fmt"
	"sort"
)

// Tables holds the configurable payout and probability tables for every
// single-shot game.
type Tables struct {
	CoinFlip  CoinFlipTable  `yaml:"coinflip"`
	Plinko    PlinkoTable    `yaml:"plinko"`
	Dice      DiceTable      `yaml:"dice"`
	Blackjack BlackjackTable `yaml:"blackjack"`
}

type CoinFlipTable struct {
	WinProbability float64 `yaml:"win_probability"`
	Payout         float64 `yaml:"payout"`
}

// PlinkoBoard pairs a landing-slot distribution with the multiplier paid for
// each slot. The slot is the committed outcome; the bounce path is cosmetic.
type PlinkoBoard struct {
	Weights     []float64 `yaml:"weights"`
	Multipliers []float64 `yaml:"multipliers"`
}

// PlinkoTable is keyed by risk level, then by row count.
type PlinkoTable struct {
	Boards map[PlinkoRisk]map[int]PlinkoBoard `yaml:"boards"`
}

type DiceTable struct {
	HouseEdge float64 `yaml:"house_edge"`
}

type BlackjackTable struct {
	Decks         int     `yaml:"decks"`
	HitSoft17     bool    `yaml:"hit_soft_17"`
	NaturalPayout float64 `yaml:"natural_payout"`
}

var plinkoMultipliers = map[PlinkoRisk]map[int][]float64{
	PlinkoRiskLow: {
		8:  {5.6, 2.1, 1.1, 1.0, 0.5, 1.0, 1.1, 2.1, 5.6},
		12: {10.0, 3.0, 1.6, 1.4, 1.1, 1.0, 0.5, 1.0, 1.1, 1.4, 1.6, 3.0, 10.0},
		16: {16.0, 9.0, 2.0, 1.4, 1.4, 1.2, 1.1, 1.0, 0.5, 1.0, 1.1, 1.2, 1.4, 1.4, 2.0, 9.0, 16.0},
	},
	PlinkoRiskMedium: {
		8:  {13.0, 3.0, 1.3, 0.7, 0.4, 0.7, 1.3, 3.0, 13.0},
		12: {33.0, 11.0, 4.0, 2.0, 1.1, 0.6, 0.3, 0.6, 1.1, 2.0, 4.0, 11.0, 33.0},
		16: {110.0, 41.0, 10.0, 5.0, 3.0, 1.5, 1.0, 0.5, 0.3, 0.5, 1.0, 1.5, 3.0, 5.0, 10.0, 41.0, 110.0},
	},
	PlinkoRiskHigh: {
		8:  {29.0, 4.0, 1.5, 0.3, 0.2, 0.3, 1.5, 4.0, 29.0},
		12: {170.0, 24.0, 8.1, 2.0, 0.7, 0.2, 0.2, 0.2, 0.7, 2.0, 8.1, 24.0, 170.0},
		16: {1000.0, 130.0, 26.0, 9.0, 4.0, 2.0, 0.2, 0.2, 0.2, 0.2, 0.2, 2.0, 4.0, 9.0, 26.0, 130.0, 1000.0},
	},
}

// DefaultTables returns the built-in tables. Plinko slots default to the
// binomial distribution of an unbiased board.
func DefaultTables() Tables {
	boards := make(map[PlinkoRisk]map[int]PlinkoBoard)
	for risk, byRows := range plinkoMultipliers {
		boards[risk] = make(map[int]PlinkoBoard)
		for rows, multipliers := range byRows {
			boards[risk][rows] = PlinkoBoard{
				Weights:     BinomialWeights(rows),
				Multipliers: append([]float64(nil), multipliers...),
			}
		}
	}

	return Tables{
		CoinFlip:  CoinFlipTable{WinProbability: 0.49, Payout: 2.0},
		Plinko:    PlinkoTable{Boards: boards},
		Dice:      DiceTable{HouseEdge: HOUSE_EDGE},
		Blackjack: BlackjackTable{Decks: 6, HitSoft17: false, NaturalPayout: 2.5},
	}
}

// BinomialWeights returns C(rows, k) for k = 0..rows.
func BinomialWeights(rows int) []float64 {
	weights := make([]float64, rows+1)
	weights[0] = 1
	for k := 1; k <= rows; k++ {
		weights[k] = weights[k-1] * float64(rows-k+1) / float64(k)
	}
	return weights
}

// RTP is the expected return of one unit staked on the board.
func (b PlinkoBoard) RTP() float64 {
	total, expected := 0.0, 0.0
	for i, w := range b.Weights {
		total += w
		expected += w * b.Multipliers[i]
	}
	if total == 0 {
		return 0
	}
	return expected / total
}

func (t Tables) Validate() error {
	if p := t.CoinFlip.WinProbability; p <= 0 || p >= 1 {
		return fmt.Errorf("coinflip.win_probability must be in (0,1), got %v", p)
	}
	if t.CoinFlip.Payout <= 1 {
		return fmt.Errorf("coinflip.payout must be > 1, got %v", t.CoinFlip.Payout)
	}
	if e := t.Dice.HouseEdge; e < 0 || e >= 1 {
		return fmt.Errorf("dice.house_edge must be in [0,1), got %v", e)
	}
	if t.Blackjack.Decks < 1 || t.Blackjack.Decks > 8 {
		return fmt.Errorf("blackjack.decks must be between 1 and 8, got %d", t.Blackjack.Decks)
	}
	if t.Blackjack.NaturalPayout < 2 {
		return fmt.Errorf("blackjack.natural_payout must be >= 2, got %v", t.Blackjack.NaturalPayout)
	}
	if len(t.Plinko.Boards) == 0 {
		return fmt.Errorf("plinko.boards is empty")
	}
	for risk, byRows := range t.Plinko.Boards {
		for rows, board := range byRows {
			if rows < 1 {
				return fmt.Errorf("plinko %s: rows must be positive, got %d", risk, rows)
			}
			if len(board.Weights) != rows+1 || len(board.Multipliers) != rows+1 {
				return fmt.Errorf("plinko %s/%d: need %d weights and multipliers, got %d and %d",
					risk, rows, rows+1, len(board.Weights), len(board.Multipliers))
			}
			if _, err := weightedPick(0, board.Weights); err != nil {
				return fmt.Errorf("plinko %s/%d: %w", risk, rows, err)
			}
			for i, m := range board.Multipliers {
				if m < 0 {
					return fmt.Errorf("plinko %s/%d: multiplier %d is negative", risk, rows, i)
				}
			}
		}
	}
	return nil
}

// Rows lists the configured row counts for a risk level.
func (t PlinkoTable) Rows(risk PlinkoRisk) []int {
	rows := make([]int, 0, len(t.Boards[risk]))
	for r := range t.Boards[risk] {
		rows = append(rows, r)
	}
	sort.Ints(rows)
	return rows
}
