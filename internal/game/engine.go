package game

import (
	"sort"
	"sync"
)

type GameType string

const (
	GameTypeCrash     GameType = "crash"
	GameTypeCoinFlip  GameType = "coinflip"
	GameTypePlinko    GameType = "plinko"
	GameTypeDice      GameType = "dice"
	GameTypeBlackjack GameType = "blackjack"
)

// InstantEngine resolves a single-shot game from a committed outcome. Prepare
// validates the player's choice and returns the generator parameters; Resolve
// is pure and must not fail once Prepare accepted the choice.
type InstantEngine interface {
	GetType() GameType
	Prepare(choice string) (OutcomeParams, error)
	Resolve(choice string, o *Outcome) InstantResult
}

type InstantResult struct {
	Multiplier float64                `json:"multiplier"`
	Outcome    string                 `json:"outcome"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
}

type GameFactory struct {
	mu      sync.RWMutex
	engines map[GameType]InstantEngine
}

func NewGameFactory() *GameFactory {
	return &GameFactory{
		engines: make(map[GameType]InstantEngine),
	}
}

func (gf *GameFactory) RegisterEngine(engine InstantEngine) {
	gf.mu.Lock()
	defer gf.mu.Unlock()
	gf.engines[engine.GetType()] = engine
}

func (gf *GameFactory) GetEngine(gameType GameType) (InstantEngine, bool) {
	gf.mu.RLock()
	defer gf.mu.RUnlock()
	engine, exists := gf.engines[gameType]
	return engine, exists
}

// Types lists registered games in a stable order.
func (gf *GameFactory) Types() []GameType {
	gf.mu.RLock()
	defer gf.mu.RUnlock()
	types := make([]GameType, 0, len(gf.engines))
	for t := range gf.engines {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// NewDefaultFactory registers every instant game configured in tables.
func NewDefaultFactory(tables Tables) *GameFactory {
	factory := NewGameFactory()
	factory.RegisterEngine(NewCoinFlipEngine(tables.CoinFlip))
	factory.RegisterEngine(NewPlinkoEngine(tables.Plinko))
	factory.RegisterEngine(NewDiceEngine(tables.Dice))
	return factory
}
