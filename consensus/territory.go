package consensus

import (
	"errors"
	"slices"
)

type Classification uint8

const (
	Neutral Classification = iota
	BlackTerritory
	WhiteTerritory
	DeadBlack
	DeadWhite
)

func (c Classification) String() string {
	switch c {
	case Neutral:
		return "neutral"
	case BlackTerritory:
		return "black"
	case WhiteTerritory:
		return "white"
	case DeadBlack:
		return "dead-black"
	case DeadWhite:
		return "dead-white"
	default:
		return "invalid"
	}
}

var ErrOutOfBounds = errors.New("territory: point out of bounds")

// TerritoryMap classifies every intersection, row-major.
type TerritoryMap struct {
	_         struct{} `cbor:",toarray"`
	BoardSize uint8
	Cells     []Classification
}

func NewTerritoryMap(board_size int) *TerritoryMap {
	return &TerritoryMap{
		BoardSize: uint8(board_size),
		Cells:     make([]Classification, board_size*board_size),
	}
}

func (m *TerritoryMap) index(x, y int) (int, bool) {
	size := int(m.BoardSize)
	if x < 0 || y < 0 || x >= size || y >= size {
		return 0, false
	}
	return y*size + x, true
}

func (m *TerritoryMap) Set(x, y int, c Classification) error {
	i, ok := m.index(x, y)
	if !ok {
		return ErrOutOfBounds
	}
	m.Cells[i] = c
	return nil
}

func (m *TerritoryMap) At(x, y int) Classification {
	i, ok := m.index(x, y)
	if !ok {
		return Neutral
	}
	return m.Cells[i]
}

func (m *TerritoryMap) Count(c Classification) int {
	n := 0
	for _, cell := range m.Cells {
		if cell == c {
			n++
		}
	}
	return n
}

// Valid reports whether the map is well formed for its board size.
func (m *TerritoryMap) Valid() bool {
	if m == nil || len(m.Cells) != int(m.BoardSize)*int(m.BoardSize) {
		return false
	}
	for _, c := range m.Cells {
		if c > DeadWhite {
			return false
		}
	}
	return true
}

// Equal is exact equality, the only agreement criterion.
func (m *TerritoryMap) Equal(other *TerritoryMap) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.BoardSize == other.BoardSize && slices.Equal(m.Cells, other.Cells)
}

func (m *TerritoryMap) Clone() *TerritoryMap {
	return &TerritoryMap{BoardSize: m.BoardSize, Cells: slices.Clone(m.Cells)}
}
