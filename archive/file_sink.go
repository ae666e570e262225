package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/p2pgo/p2pgo_core/consensus"
)

const Extension = ".p2pgo"

var ErrExists = errors.New("archive: record already stored")

// FileSink writes one finalized record per file, named
// <game_id>_<completed unix seconds>.p2pgo. Files are never overwritten.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &FileSink{dir: dir}, nil
}

func (s *FileSink) Dir() string {
	return s.dir
}

func FileName(record *consensus.FinalizedGameRecord) string {
	return fmt.Sprintf("%s_%d%s", record.GameID, record.CompletedAt, Extension)
}

// Store writes through a temp file and a rename so readers never see a
// partial record.
func (s *FileSink) Store(record *consensus.FinalizedGameRecord) (string, error) {
	data, err := cbor.Marshal(record)
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, FileName(record))
	if _, err := os.Stat(path); err == nil {
		return "", ErrExists
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp_*"+Extension)
	if err != nil {
		return "", err
	}
	tmp_name := tmp.Name()
	defer os.Remove(tmp_name)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	// link fails if the target appeared meanwhile, unlike rename
	if err := os.Link(tmp_name, path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", ErrExists
		}
		if err := os.Rename(tmp_name, path); err != nil {
			return "", err
		}
	}
	return path, nil
}

func Load(path string) (*consensus.FinalizedGameRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	result := new(consensus.FinalizedGameRecord)
	if err := cbor.Unmarshal(data, result); err != nil {
		return nil, err
	}
	return result, nil
}

// List returns archived file paths, oldest completion first.
func (s *FileSink) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	result := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, Extension) {
			continue
		}
		result = append(result, filepath.Join(s.dir, name))
	}
	sort.Slice(result, func(i, j int) bool {
		return completedAt(result[i]) < completedAt(result[j])
	})
	return result, nil
}

func completedAt(path string) int64 {
	base := strings.TrimSuffix(filepath.Base(path), Extension)
	_, ts, _ := strings.Cut(base, "_")
	result, _ := strconv.ParseInt(ts, 10, 64)
	return result
}
