package game

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"sync/atomic"
)

const (
	MIN_MULTIPLIER = 1.00
	MAX_MULTIPLIER = 1000000.00
	HOUSE_EDGE     = 0.01 // 1%
)

// OutcomeParams carries the per-game knobs the generator needs.
type OutcomeParams struct {
	HouseEdge      float64   // crash
	WinProbability float64   // coin flip
	SlotWeights    []float64 // plinko
	Decks          int       // blackjack
}

// Outcome is a committed result. Everything except Commitment stays on the
// server until the bet or round it belongs to is resolved.
type Outcome struct {
	Game       GameType
	ServerSeed string
	Commitment string
	ClientSeed string
	Nonce      uint64

	CrashPoint float64
	Win        bool
	Roll       float64
	Slot       int
	Shoe       []Card
}

// OutcomeGenerator commits an outcome before anything about it is exposed.
type OutcomeGenerator interface {
	Commit(game GameType, params OutcomeParams) (*Outcome, error)
}

// FairGenerator draws seeds from a cryptographically strong entropy source and
// derives every outcome from HMAC-SHA256(serverSeed, clientSeed:nonce:cursor).
// If the entropy source fails, Commit fails and nothing downstream proceeds.
type FairGenerator struct {
	entropy io.Reader
	nonce   atomic.Uint64
}

func NewFairGenerator(entropy io.Reader) *FairGenerator {
	if entropy == nil {
		entropy = rand.Reader
	}
	return &FairGenerator{entropy: entropy}
}

func (g *FairGenerator) Commit(game GameType, params OutcomeParams) (*Outcome, error) {
	serverSeed, err := g.seed(32)
	if err != nil {
		return nil, err
	}
	clientSeed, err := g.seed(16)
	if err != nil {
		return nil, err
	}

	return DeriveOutcome(game, params, serverSeed, clientSeed, g.nonce.Add(1))
}

func (g *FairGenerator) seed(n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(g.entropy, b); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEntropyUnavailable, err)
	}
	return hex.EncodeToString(b), nil
}

// DeriveOutcome recomputes an outcome from its seeds. Commit and any later
// verification go through the same function.
func DeriveOutcome(game GameType, params OutcomeParams, serverSeed, clientSeed string, nonce uint64) (*Outcome, error) {
	o := &Outcome{
		Game:       game,
		ServerSeed: serverSeed,
		Commitment: HashCommitment(serverSeed),
		ClientSeed: clientSeed,
		Nonce:      nonce,
	}
	stream := &floatStream{serverSeed: serverSeed, clientSeed: clientSeed, nonce: nonce}

	switch game {
	case GameTypeCrash:
		o.CrashPoint = CrashPointFromFloat(stream.next(), params.HouseEdge)
	case GameTypeCoinFlip:
		if params.WinProbability <= 0 || params.WinProbability >= 1 {
			return nil, fmt.Errorf("coin flip win probability %v out of range", params.WinProbability)
		}
		o.Win = stream.next() < params.WinProbability
	case GameTypeDice:
		o.Roll = math.Floor(stream.next()*100*100) / 100
	case GameTypePlinko:
		slot, err := weightedPick(stream.next(), params.SlotWeights)
		if err != nil {
			return nil, err
		}
		o.Slot = slot
	case GameTypeBlackjack:
		decks := params.Decks
		if decks <= 0 {
			decks = 1
		}
		o.Shoe = shuffleShoe(stream, decks)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownGame, game)
	}
	return o, nil
}

// CrashPointFromFloat maps a uniform r in [0,1) to a crash multiplier so that
// P(M >= m) = (1-houseEdge)/m, with houseEdge of rounds crashing at 1.00x.
func CrashPointFromFloat(r, houseEdge float64) float64 {
	if r < houseEdge {
		return MIN_MULTIPLIER
	}

	crashValue := (1 - houseEdge) / (1 - r)
	finalMultiplier := math.Floor(crashValue*100) / 100

	if finalMultiplier < MIN_MULTIPLIER {
		return MIN_MULTIPLIER
	}
	if finalMultiplier > MAX_MULTIPLIER {
		return MAX_MULTIPLIER
	}
	return finalMultiplier
}

// HashCommitment creates a SHA256 hash of the seed for commitment
func HashCommitment(seed string) string {
	h := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(h[:])
}

// VerifyCrashPoint recomputes a crash round from its revealed seeds.
func VerifyCrashPoint(serverSeed, clientSeed string, nonce uint64, houseEdge, claimed float64) bool {
	o, err := DeriveOutcome(GameTypeCrash, OutcomeParams{HouseEdge: houseEdge}, serverSeed, clientSeed, nonce)
	if err != nil {
		return false
	}
	return math.Abs(o.CrashPoint-claimed) < 0.005
}

type floatStream struct {
	serverSeed string
	clientSeed string
	nonce      uint64
	cursor     int
}

// next returns a float in [0,1) built from the top 53 bits of the next HMAC block.
func (s *floatStream) next() float64 {
	h := hmac.New(sha256.New, []byte(s.serverSeed))
	fmt.Fprintf(h, "%s:%d:%d", s.clientSeed, s.nonce, s.cursor)
	s.cursor++

	u := binary.BigEndian.Uint64(h.Sum(nil)[:8])
	return float64(u>>11) / (1 << 53)
}

func weightedPick(r float64, weights []float64) (int, error) {
	total := 0.0
	for i, w := range weights {
		if w < 0 {
			return 0, fmt.Errorf("slot weight %d is negative", i)
		}
		total += w
	}
	if total <= 0 {
		return 0, fmt.Errorf("slot weights sum to zero")
	}

	target := r * total
	cumulative := 0.0
	for i, w := range weights {
		cumulative += w
		if target < cumulative {
			return i, nil
		}
	}
	return len(weights) - 1, nil
}
