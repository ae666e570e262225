package commands

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/p2pgo/p2pgo_core/archive"
	"github.com/p2pgo/p2pgo_core/consensus"
	"github.com/p2pgo/p2pgo_core/identity"
	"github.com/p2pgo/p2pgo_core/interfaces"
	"github.com/p2pgo/p2pgo_core/ledger"
	"github.com/p2pgo/p2pgo_core/rules"
)

func gamesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "games",
		Short: "List finished games in the archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			sink, err := archive.NewFileSink(conf.Path(conf.ArchiveDir))
			if err != nil {
				return err
			}
			paths, err := sink.List()
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				pterm.Info.Println("archive is empty")
				return nil
			}
			data := pterm.TableData{{"completed", "game", "size", "moves", "result", "file"}}
			for _, p := range paths {
				record, err := archive.Load(p)
				if err != nil {
					pterm.Warning.Printfln("%s: %v", p, err)
					continue
				}
				data = append(data, []string{
					time.Unix(record.CompletedAt, 0).Format(time.DateTime),
					record.GameID.String(),
					fmt.Sprintf("%dx%d", record.BoardSize, record.BoardSize),
					fmt.Sprint(max(len(record.Records)-1, 0)),
					outcomeText(record.Outcome),
					filepath.Base(p),
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		},
	}
	cmd.AddCommand(showCmd())
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <file>",
		Short: "Verify an archived game and print its final position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if filepath.Base(path) == path {
				path = filepath.Join(conf.Path(conf.ArchiveDir), path)
			}
			record, err := archive.Load(path)
			if err != nil {
				return err
			}
			board, err := replayArchived(record)
			if err != nil {
				return err
			}
			pterm.Success.Println("signatures and hash chain verified")
			pterm.Print(renderBoard(board, record.Territory))
			pterm.Printfln("black %s", record.Participants[0])
			pterm.Printfln("white %s", record.Participants[1])
			pterm.Printfln("%s", outcomeText(record.Outcome))
			return nil
		},
	}
}

// replayArchived checks every signature and link of an archived game and
// returns its final board.
func replayArchived(record *consensus.FinalizedGameRecord) (*rules.Board, error) {
	if len(record.ParticipantKeys) != 2 {
		return nil, fmt.Errorf("archived game has %d participant keys", len(record.ParticipantKeys))
	}
	verifiers := make([]ledger.Verifier, 0, 2)
	for _, key := range record.ParticipantKeys {
		remote, err := identity.NewRemoteIdentity(key)
		if err != nil {
			return nil, err
		}
		verifiers = append(verifiers, remote)
	}
	l, err := ledger.Restore(nil, record.Records, verifiers...)
	if err != nil {
		return nil, err
	}
	v := rules.Rules{}
	state, err := l.Replay(v, v.Genesis(int(record.BoardSize)))
	if err != nil {
		return nil, err
	}
	return state.(*rules.Board), nil
}

func outcomeText(o consensus.Outcome) string {
	var winner string
	switch o.Winner {
	case 0:
		winner = "B+"
	case 1:
		winner = "W+"
	default:
		return "draw"
	}
	if o.Method == consensus.ByResignation {
		return winner + "R"
	}
	margin := o.BlackScore - o.WhiteScore
	if margin < 0 {
		margin = -margin
	}
	return fmt.Sprintf("%s%.1f", winner, margin)
}

func roleText(r interfaces.SessionRole) string {
	if r == interfaces.RoleHost {
		return "host"
	}
	return "joiner"
}

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List suspended games that can be resumed",
		RunE: func(cmd *cobra.Command, args []string) error {
			journal, err := archive.OpenJournal(conf.Path(conf.JournalPath))
			if err != nil {
				return err
			}
			defer journal.Close()
			sessions, err := journal.List()
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				pterm.Info.Println("no suspended games")
				return nil
			}
			data := pterm.TableData{{"game", "role", "size", "moves", "saved"}}
			for _, s := range sessions {
				data = append(data, []string{
					s.GameID.String(),
					roleText(s.Role),
					fmt.Sprintf("%dx%d", s.BoardSize, s.BoardSize),
					fmt.Sprint(max(len(s.Records)-1, 0)),
					time.Unix(s.SavedAt, 0).Format(time.DateTime),
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		},
	}
}
