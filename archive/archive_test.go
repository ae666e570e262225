package archive

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2pgo/p2pgo_core/consensus"
	"github.com/p2pgo/p2pgo_core/interfaces"
	"github.com/p2pgo/p2pgo_core/ledger"
)

func sampleRecord(completed int64) *consensus.FinalizedGameRecord {
	territory := consensus.NewTerritoryMap(9)
	_ = territory.Set(0, 0, consensus.BlackTerritory)
	return &consensus.FinalizedGameRecord{
		GameID:       uuid.New(),
		BoardSize:    9,
		Participants: []string{"Iblack", "Iwhite"},
		Records:      []ledger.MoveRecord{{Seq: 0, Mover: "Iblack", Payload: []byte("genesis")}},
		Territory:    territory,
		Outcome:      consensus.Outcome{Method: consensus.ByScore, Winner: 0, BlackScore: 41, WhiteScore: 40.5},
		CompletedAt:  completed,
	}
}

func TestFileSinkStoreAndLoad(t *testing.T) {
	sink, err := NewFileSink(filepath.Join(t.TempDir(), "games"))
	require.NoError(t, err)

	rec := sampleRecord(time.Now().Unix())
	path, err := sink.Store(rec)
	require.NoError(t, err)
	assert.Equal(t, FileName(rec), filepath.Base(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, rec.GameID, loaded.GameID)
	assert.Equal(t, rec.Outcome, loaded.Outcome)
	assert.True(t, rec.Territory.Equal(loaded.Territory))

	_, err = sink.Store(rec)
	assert.ErrorIs(t, err, ErrExists)
}

func TestFileSinkListOrder(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)

	for _, ts := range []int64{300, 100, 2000} {
		_, err := sink.Store(sampleRecord(ts))
		require.NoError(t, err)
	}
	paths, err := sink.List()
	require.NoError(t, err)
	require.Len(t, paths, 3)
	assert.Equal(t, int64(100), completedAt(paths[0]))
	assert.Equal(t, int64(2000), completedAt(paths[2]))
}

func TestJournal(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	s := &interfaces.SuspendedSession{
		GameID:    uuid.New(),
		Role:      interfaces.RoleJoiner,
		BoardSize: 9,
		Ticket:    "p2pgo-ticket:abc",
		Records:   []ledger.MoveRecord{{Seq: 0, Mover: "Iblack"}},
		SavedAt:   time.Now().Unix(),
	}
	require.NoError(t, j.Save(s))

	loaded, err := j.Load(s.GameID)
	require.NoError(t, err)
	assert.Equal(t, s.Ticket, loaded.Ticket)
	assert.Equal(t, interfaces.RoleJoiner, loaded.Role)
	require.Len(t, loaded.Records, 1)

	all, err := j.List()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, j.Delete(s.GameID))
	_, err = j.Load(s.GameID)
	assert.ErrorIs(t, err, ErrNotFound)
}
