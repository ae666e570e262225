package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pterm/pterm"

	"github.com/p2pgo/p2pgo_core/channel"
	"github.com/p2pgo/p2pgo_core/consensus"
	"github.com/p2pgo/p2pgo_core/interfaces"
	"github.com/p2pgo/p2pgo_core/rules"
)

const playHelp = `D4 | play D4   place a stone
pass           pass
resign         resign the game
board          show the board
dead D4        toggle the stone at D4 dead while scoring
submit         send your territory marks
status         session summary
quit           leave; the game can be resumed later`

func renderBoard(board *rules.Board, marks *consensus.TerritoryMap) string {
	var sb strings.Builder
	for y := 0; y < board.Size; y++ {
		fmt.Fprintf(&sb, "%2d", board.Size-y)
		for x := 0; x < board.Size; x++ {
			var mark consensus.Classification
			if marks != nil {
				mark = marks.At(x, y)
			}
			sb.WriteByte(' ')
			sb.WriteByte(cellRune(board.At(x, y), mark))
		}
		sb.WriteByte('\n')
	}
	sb.WriteString("  ")
	for x := 0; x < board.Size; x++ {
		sb.WriteByte(' ')
		sb.WriteByte(columns[x])
	}
	sb.WriteByte('\n')
	return sb.String()
}

func cellRune(s rules.Stone, mark consensus.Classification) byte {
	switch {
	case s == rules.Black && mark == consensus.DeadBlack:
		return 'x'
	case s == rules.White && mark == consensus.DeadWhite:
		return 'o'
	case s == rules.Black:
		return 'X'
	case s == rules.White:
		return 'O'
	case mark == consensus.BlackTerritory:
		return '+'
	case mark == consensus.WhiteTerritory:
		return '-'
	default:
		return '.'
	}
}

// markDead toggles the stone at point between dead and alive.
func markDead(board *rules.Board, marks *consensus.TerritoryMap, point string) error {
	x, y, err := parsePoint(point, board.Size)
	if err != nil {
		return err
	}
	var dead consensus.Classification
	switch board.At(x, y) {
	case rules.Black:
		dead = consensus.DeadBlack
	case rules.White:
		dead = consensus.DeadWhite
	default:
		return fmt.Errorf("no stone at %s", point)
	}
	if marks.At(x, y) == dead {
		return marks.Set(x, y, consensus.Neutral)
	}
	return marks.Set(x, y, dead)
}

func boardOf(s *channel.Snapshot) (*rules.Board, bool) {
	board, ok := s.Board.(*rules.Board)
	return board, ok && board != nil
}

// play runs the interactive loop for one session until it ends or the
// user leaves.
func play(ctx context.Context, c *channel.Channel) error {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	var marks *consensus.TerritoryMap
	snapshot := func() (*channel.Snapshot, *rules.Board, bool) {
		s, err := c.Snapshot(ctx)
		if err != nil {
			pterm.Error.Println(err)
			return nil, nil, false
		}
		board, ok := boardOf(s)
		if !ok {
			pterm.Warning.Println("waiting for the game to start")
		}
		return s, board, ok
	}
	submit := func(payload []byte) {
		if _, err := c.SubmitMove(ctx, payload); err != nil {
			pterm.Error.Println(err)
		}
	}

	pterm.Info.Println(`type "help" for commands`)
	for {
		select {
		case <-ctx.Done():
			c.Close()
			return ctx.Err()

		case <-c.Done():
			drainEvents(c, &marks)
			return terminalErr(c.Err())

		case ev := <-c.Events():
			printEvent(c, ev, &marks)

		case line, ok := <-lines:
			if !ok {
				c.Close()
				return nil
			}
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			cmd, args := strings.ToLower(fields[0]), fields[1:]
			switch cmd {
			case "help", "?":
				pterm.Println(playHelp)
			case "quit", "exit":
				pterm.Info.Println("leaving; resume later with p2pgo resume")
				c.Close()
				return nil
			case "pass":
				submit(rules.PassMove())
			case "resign":
				submit(rules.ResignMove())
			case "board":
				if _, board, ok := snapshot(); ok {
					pterm.Print(renderBoard(board, marks))
				}
			case "status":
				if s, _, ok := snapshot(); ok {
					printStatus(s)
				}
			case "dead":
				if marks == nil {
					pterm.Warning.Println("not scoring")
					continue
				}
				_, board, ok := snapshot()
				if !ok {
					continue
				}
				for _, p := range args {
					if err := markDead(board, marks, p); err != nil {
						pterm.Error.Println(err)
					}
				}
				pterm.Print(renderBoard(board, marks))
			case "submit":
				if marks == nil {
					pterm.Warning.Println("not scoring")
					continue
				}
				submitted := marks.Clone()
				go func() {
					state, err := c.SubmitTerritory(ctx, submitted)
					if err != nil {
						pterm.Error.Println(err)
						return
					}
					pterm.Info.Printfln("territory round: %s", state)
				}()
				pterm.Info.Println("marks sent, waiting for peer")
			default:
				if cmd == "play" && len(args) == 1 {
					cmd = args[0]
				}
				_, board, ok := snapshot()
				if !ok {
					continue
				}
				x, y, err := parsePoint(cmd, board.Size)
				if err != nil {
					pterm.Error.Println(err)
					continue
				}
				submit(rules.PlaceMove(x, y))
			}
		}
	}
}

func terminalErr(err error) error {
	if err == nil || errors.Is(err, channel.ErrClosed) {
		return nil
	}
	return err
}

func drainEvents(c *channel.Channel, marks **consensus.TerritoryMap) {
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				return
			}
			printEvent(c, ev, marks)
		default:
			return
		}
	}
}

func printEvent(c *channel.Channel, ev any, marks **consensus.TerritoryMap) {
	switch e := ev.(type) {
	case *interfaces.ESessionStarted:
		color := stoneName(rules.Black)
		if e.LocalIndex == 1 {
			color = stoneName(rules.White)
		}
		verb := "started"
		if e.Resumed {
			verb = "resumed"
		}
		pterm.Success.Printfln("game %s %s, you play %s against %s", e.GameID, verb, pterm.LightCyan(color), e.PeerHash)
	case *interfaces.EMoveAccepted:
		if e.Record.Seq == 0 {
			return
		}
		who := "peer"
		if e.Local {
			who = "you"
		}
		size := 19
		if s, err := c.Snapshot(context.Background()); err == nil {
			if board, ok := boardOf(s); ok {
				size = board.Size
			}
		}
		pterm.Printfln("#%d %s (%s): %s", e.Record.Seq, stoneName(stoneOf(e.Record.Seq)), who, describeMove(e.Record.Payload, size))
	case *interfaces.EPeerDisconnected:
		pterm.Warning.Printfln("peer disconnected: %v", e.Err)
	case *interfaces.EPeerReconnected:
		how := "directly"
		if e.Relayed {
			how = "through the relay"
		}
		pterm.Success.Printfln("peer reconnected %s", how)
	case *interfaces.EScoringStarted:
		if s, err := c.Snapshot(context.Background()); err == nil {
			if board, ok := boardOf(s); ok {
				*marks = rules.SuggestTerritory(board)
				pterm.Info.Println("both passed; mark dead stones with dead <point>, then submit")
				pterm.Print(renderBoard(board, *marks))
			}
		}
	case *interfaces.ETerritoryDisagreed:
		pterm.Warning.Printfln("territory round %d disagreed; adjust and submit again", e.Round)
		*marks = e.Local.Clone()
	case *interfaces.ESessionFinalized:
		printOutcome(e.Record.Outcome)
		pterm.Info.Printfln("archived to %s", e.ArchivePath)
	case *interfaces.ESessionFailed:
		if e.Abandoned {
			pterm.Warning.Println("peer did not return, game abandoned")
		} else {
			pterm.Error.Printfln("game failed: %v", e.Err)
		}
	}
}

func printOutcome(o consensus.Outcome) {
	winner := "draw"
	if o.Winner == 0 {
		winner = "black wins"
	} else if o.Winner == 1 {
		winner = "white wins"
	}
	if o.Method == consensus.ByResignation {
		pterm.Success.Printfln("%s by resignation", winner)
		return
	}
	pterm.Success.Printfln("%s, black %.1f white %.1f", winner, o.BlackScore, o.WhiteScore)
}

func printStatus(s *channel.Snapshot) {
	conn := "disconnected"
	if s.Connected {
		conn = s.Kind.String()
	}
	pterm.DefaultTable.WithData(pterm.TableData{
		{"game", s.GameID.String()},
		{"state", s.State.String()},
		{"moves", fmt.Sprint(max(len(s.Records)-1, 0))},
		{"connection", conn},
	}).Render()
}
