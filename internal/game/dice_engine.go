package game

import (
	"math"
	"strconv"
	"strings"
)

const (
	DICE_MIN_VALUE = 0.00
	DICE_MAX_VALUE = 100.00

	diceMinChance = 0.01
	diceMaxChance = 98.00
)

// DiceEngine resolves a roll in [0, 100) against an over/under target.
type DiceEngine struct {
	table DiceTable
}

func NewDiceEngine(table DiceTable) *DiceEngine {
	return &DiceEngine{table: table}
}

// GetType returns the game type
func (d *DiceEngine) GetType() GameType {
	return GameTypeDice
}

// Prepare accepts "over:<target>" or "under:<target>".
func (d *DiceEngine) Prepare(choice string) (OutcomeParams, error) {
	if _, _, err := d.parse(choice); err != nil {
		return OutcomeParams{}, err
	}
	return OutcomeParams{}, nil
}

func (d *DiceEngine) Resolve(choice string, o *Outcome) InstantResult {
	isOver, target, err := d.parse(choice)
	if err != nil {
		return InstantResult{Outcome: "invalid"}
	}

	win := o.Roll < target
	if isOver {
		win = o.Roll > target
	}

	result := InstantResult{
		Outcome: "lose",
		Detail: map[string]interface{}{
			"roll":    o.Roll,
			"target":  target,
			"is_over": isOver,
		},
	}
	if win {
		result.Outcome = "win"
		result.Multiplier = d.multiplier(isOver, target)
	}
	return result
}

func (d *DiceEngine) parse(choice string) (bool, float64, error) {
	side, targetPart, ok := strings.Cut(choice, ":")
	if !ok {
		return false, 0, invalid("choice", "dice choice must look like over:50 or under:50, got %q", choice)
	}
	var isOver bool
	switch strings.ToLower(strings.TrimSpace(side)) {
	case "over":
		isOver = true
	case "under":
		isOver = false
	default:
		return false, 0, invalid("choice", "dice side must be over or under, got %q", side)
	}

	target, err := strconv.ParseFloat(strings.TrimSpace(targetPart), 64)
	if err != nil || math.IsNaN(target) {
		return false, 0, invalid("choice", "dice target must be a number, got %q", targetPart)
	}
	chance := winChance(isOver, target)
	if chance < diceMinChance || chance > diceMaxChance {
		return false, 0, invalid("choice", "dice win chance must be between %.2f%% and %.2f%%", diceMinChance, diceMaxChance)
	}
	return isOver, target, nil
}

// multiplier pays (100 / chance) less the house edge, floored to 4 places.
func (d *DiceEngine) multiplier(isOver bool, target float64) float64 {
	m := (DICE_MAX_VALUE / winChance(isOver, target)) * (1 - d.table.HouseEdge)
	return math.Floor(m*10000) / 10000
}

// winChance is the percentage of rolls that win. Rolls are in hundredths, so
// "over 49.50" wins on 49.51..99.99.
func winChance(isOver bool, target float64) float64 {
	if isOver {
		return DICE_MAX_VALUE - 0.01 - target
	}
	return target - DICE_MIN_VALUE
}
