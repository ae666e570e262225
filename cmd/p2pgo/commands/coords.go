package commands

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/p2pgo/p2pgo_core/rules"
)

// board columns skip I, as on a physical board
const columns = "ABCDEFGHJKLMNOPQRSTUVWXYZ"

var ErrBadPoint = errors.New("point must look like D4")

// parsePoint reads "D4" style coordinates. Row 1 is the bottom row; the
// returned y counts from the top.
func parsePoint(s string, size int) (int, int, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) < 2 {
		return 0, 0, ErrBadPoint
	}
	x := strings.IndexByte(columns, s[0])
	row, err := strconv.Atoi(s[1:])
	if x < 0 || err != nil {
		return 0, 0, ErrBadPoint
	}
	if x >= size || row < 1 || row > size {
		return 0, 0, fmt.Errorf("%s is off the %dx%d board", s, size, size)
	}
	return x, size - row, nil
}

func formatPoint(x, y, size int) string {
	if x < 0 || x >= len(columns) {
		return "?"
	}
	return string(columns[x]) + strconv.Itoa(size-y)
}

// stoneOf is the color that writes seq.
func stoneOf(seq uint64) rules.Stone {
	if seq%2 == 1 {
		return rules.Black
	}
	return rules.White
}

func stoneName(s rules.Stone) string {
	switch s {
	case rules.Black:
		return "black"
	case rules.White:
		return "white"
	default:
		return "empty"
	}
}

func describeMove(payload []byte, size int) string {
	m, ok := rules.DecodeMove(payload)
	if !ok {
		return "?"
	}
	switch m.Kind {
	case rules.Pass:
		return "pass"
	case rules.Resign:
		return "resign"
	default:
		return formatPoint(int(m.X), int(m.Y), size)
	}
}
