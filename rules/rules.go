// Package rules is a minimal reference collaborator: bounds, occupancy,
// pass and resign. It has no captures or ko.
package rules

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/p2pgo/p2pgo_core/consensus"
	"github.com/p2pgo/p2pgo_core/interfaces"
)

type Stone uint8

const (
	Empty Stone = iota
	Black
	White
)

func (s Stone) Other() Stone {
	switch s {
	case Black:
		return White
	case White:
		return Black
	default:
		return Empty
	}
}

type MoveKind uint8

const (
	Place MoveKind = iota + 1
	Pass
	Resign
)

type Move struct {
	_    struct{} `cbor:",toarray"`
	Kind MoveKind
	X    uint8
	Y    uint8
}

func encode(m Move) []byte {
	data, _ := cbor.Marshal(m)
	return data
}

func PlaceMove(x, y int) []byte { return encode(Move{Kind: Place, X: uint8(x), Y: uint8(y)}) }
func PassMove() []byte          { return encode(Move{Kind: Pass}) }
func ResignMove() []byte        { return encode(Move{Kind: Resign}) }

func DecodeMove(payload []byte) (Move, bool) {
	var m Move
	if err := cbor.Unmarshal(payload, &m); err != nil {
		return Move{}, false
	}
	switch m.Kind {
	case Place, Pass, Resign:
		return m, true
	default:
		return Move{}, false
	}
}

// Board is treated as immutable; Apply returns a new one.
type Board struct {
	Size   int
	Cells  []Stone
	ToMove Stone
}

func (b *Board) At(x, y int) Stone {
	if x < 0 || y < 0 || x >= b.Size || y >= b.Size {
		return Empty
	}
	return b.Cells[y*b.Size+x]
}

type Rules struct{}

var _ interfaces.IMoveValidator = Rules{}

func (Rules) Genesis(board_size int) interfaces.BoardState {
	return &Board{Size: board_size, Cells: make([]Stone, board_size*board_size), ToMove: Black}
}

func (Rules) Validate(state interfaces.BoardState, move []byte) bool {
	board, ok := state.(*Board)
	if !ok {
		return false
	}
	m, ok := DecodeMove(move)
	if !ok {
		return false
	}
	if m.Kind != Place {
		return true
	}
	x, y := int(m.X), int(m.Y)
	if x >= board.Size || y >= board.Size {
		return false
	}
	return board.At(x, y) == Empty
}

func (Rules) Apply(state interfaces.BoardState, move []byte) interfaces.BoardState {
	board := state.(*Board)
	m, _ := DecodeMove(move)

	result := &Board{Size: board.Size, Cells: append([]Stone(nil), board.Cells...), ToMove: board.ToMove.Other()}
	if m.Kind == Place {
		result.Cells[int(m.Y)*board.Size+int(m.X)] = board.ToMove
	}
	return result
}

func (Rules) IsPass(move []byte) bool {
	m, ok := DecodeMove(move)
	return ok && m.Kind == Pass
}

func (Rules) IsResign(move []byte) bool {
	m, ok := DecodeMove(move)
	return ok && m.Kind == Resign
}

// AreaScorer counts live stones plus territory; captured dead stones
// count for the other side. Komi goes to white.
type AreaScorer struct {
	Komi float64
}

var _ interfaces.IScorer = AreaScorer{}

func (s AreaScorer) Score(state interfaces.BoardState, territory *consensus.TerritoryMap) consensus.Outcome {
	board := state.(*Board)
	black, white := 0.0, s.Komi

	for y := 0; y < board.Size; y++ {
		for x := 0; x < board.Size; x++ {
			switch territory.At(x, y) {
			case consensus.BlackTerritory:
				black++
				continue
			case consensus.WhiteTerritory:
				white++
				continue
			case consensus.DeadBlack:
				white++
				continue
			case consensus.DeadWhite:
				black++
				continue
			}
			switch board.At(x, y) {
			case Black:
				black++
			case White:
				white++
			}
		}
	}

	winner := -1
	if black > white {
		winner = 0
	} else if white > black {
		winner = 1
	}
	return consensus.Outcome{Method: consensus.ByScore, Winner: winner, BlackScore: black, WhiteScore: white}
}

// SuggestTerritory pre-fills a map with every empty point owned by
// whichever color surrounds it alone. Dead stones are left to the players.
func SuggestTerritory(board *Board) *consensus.TerritoryMap {
	result := consensus.NewTerritoryMap(board.Size)
	seen := make([]bool, len(board.Cells))

	for start := range board.Cells {
		if seen[start] || board.Cells[start] != Empty {
			continue
		}
		region := []int{start}
		seen[start] = true
		borders := map[Stone]bool{}
		for i := 0; i < len(region); i++ {
			p := region[i]
			x, y := p%board.Size, p/board.Size
			for _, d := range [4][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
				nx, ny := x+d[0], y+d[1]
				if nx < 0 || ny < 0 || nx >= board.Size || ny >= board.Size {
					continue
				}
				n := ny*board.Size + nx
				if board.Cells[n] != Empty {
					borders[board.Cells[n]] = true
					continue
				}
				if !seen[n] {
					seen[n] = true
					region = append(region, n)
				}
			}
		}
		owner := consensus.Neutral
		if borders[Black] && !borders[White] {
			owner = consensus.BlackTerritory
		} else if borders[White] && !borders[Black] {
			owner = consensus.WhiteTerritory
		}
		for _, p := range region {
			result.Cells[p] = owner
		}
	}
	return result
}
