package dataio

import (
	"bufio"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/janpfeifer/selfplay/internal/game"
)

// GameRecord is the JSON line written per finished game.
type GameRecord struct {
	GameIdx int64    `json:"gameIdx"`
	Model   string   `json:"model"`
	Outcome float32  `json:"outcome"`
	Moves   []string `json:"moves"`
}

// GameRecordWriter is the optional raw-game-record sink: every finished game
// of a model, train and validation alike, appended as one JSON line for audit
// and replay. Safe for concurrent use; both drain goroutines of a model's
// pipeline share one sink.
type GameRecordWriter struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	path string
}

// NewGameRecordWriter creates a sink file with a random identifier under dir,
// which must exist.
func NewGameRecordWriter(dir string) (*GameRecordWriter, error) {
	path := filepath.Join(dir, uuid.NewString()+".games")
	file, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot create game record sink %q", path)
	}
	return &GameRecordWriter{
		file: file,
		buf:  bufio.NewWriter(file),
		path: path,
	}, nil
}

// WriteGame appends one game.
func (w *GameRecordWriter) WriteGame(data *game.FinishedGameData) error {
	line, err := json.Marshal(GameRecord{
		GameIdx: data.GameIdx,
		Model:   data.ModelName,
		Outcome: data.Outcome,
		Moves:   data.Moves,
	})
	if err != nil {
		return errors.Wrapf(err, "cannot serialize game %d record", data.GameIdx)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.buf.Write(append(line, '\n')); err != nil {
		return errors.Wrapf(err, "cannot append to game record sink %q", w.path)
	}
	return nil
}

// Close flushes and closes the sink.
func (w *GameRecordWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.buf.Flush()
	if closeErr := w.file.Close(); err == nil {
		err = closeErr
	}
	return errors.Wrapf(err, "cannot close game record sink %q", w.path)
}
