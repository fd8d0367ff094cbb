package game

import (
	"strconv"
	"strings"
)

// PlinkoRisk represents the risk level
type PlinkoRisk string

const (
	PlinkoRiskLow    PlinkoRisk = "low"
	PlinkoRiskMedium PlinkoRisk = "medium"
	PlinkoRiskHigh   PlinkoRisk = "high"
)

// PlinkoEngine resolves a ball drop. The committed outcome is the landing
// slot drawn from the board's weights; the bounce path is derived from the
// same seeds afterwards and only decorates the result.
type PlinkoEngine struct {
	table PlinkoTable
}

func NewPlinkoEngine(table PlinkoTable) *PlinkoEngine {
	return &PlinkoEngine{table: table}
}

// GetType returns the game type
func (p *PlinkoEngine) GetType() GameType {
	return GameTypePlinko
}

// Prepare accepts "risk:rows", e.g. "medium:16".
func (p *PlinkoEngine) Prepare(choice string) (OutcomeParams, error) {
	board, _, _, err := p.board(choice)
	if err != nil {
		return OutcomeParams{}, err
	}
	return OutcomeParams{SlotWeights: board.Weights}, nil
}

func (p *PlinkoEngine) Resolve(choice string, o *Outcome) InstantResult {
	board, risk, rows, err := p.board(choice)
	if err != nil || o.Slot < 0 || o.Slot >= len(board.Multipliers) {
		return InstantResult{Outcome: "invalid"}
	}

	return InstantResult{
		Multiplier: board.Multipliers[o.Slot],
		Outcome:    "slot_" + strconv.Itoa(o.Slot),
		Detail: map[string]interface{}{
			"risk": risk,
			"rows": rows,
			"slot": o.Slot,
			"path": plinkoPath(o, rows),
		},
	}
}

func (p *PlinkoEngine) board(choice string) (PlinkoBoard, PlinkoRisk, int, error) {
	riskPart, rowsPart, ok := strings.Cut(choice, ":")
	if !ok {
		return PlinkoBoard{}, "", 0, invalid("choice", "plinko choice must look like risk:rows, got %q", choice)
	}
	risk := PlinkoRisk(strings.ToLower(strings.TrimSpace(riskPart)))
	byRows, exists := p.table.Boards[risk]
	if !exists {
		return PlinkoBoard{}, "", 0, invalid("choice", "unknown plinko risk %q", riskPart)
	}
	rows, err := strconv.Atoi(strings.TrimSpace(rowsPart))
	if err != nil {
		return PlinkoBoard{}, "", 0, invalid("choice", "plinko rows must be a number, got %q", rowsPart)
	}
	board, exists := byRows[rows]
	if !exists {
		return PlinkoBoard{}, "", 0, invalid("choice", "plinko %s has no %d-row board (have %v)", risk, rows, p.table.Rows(risk))
	}
	return board, risk, rows, nil
}

// plinkoPath returns a left(0)/right(1) bounce sequence with exactly slot
// right-bounces, shuffled deterministically from the outcome's seeds.
func plinkoPath(o *Outcome, rows int) []int {
	path := make([]int, rows)
	for i := 0; i < o.Slot && i < rows; i++ {
		path[i] = 1
	}
	// cursor 0 produced the slot
	stream := &floatStream{serverSeed: o.ServerSeed, clientSeed: o.ClientSeed, nonce: o.Nonce, cursor: 1}
	for i := rows - 1; i > 0; i-- {
		j := int(stream.next() * float64(i+1))
		path[i], path[j] = path[j], path[i]
	}
	return path
}
