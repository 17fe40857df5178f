// Package dataio writes finished games out to disk: training rows into
// rotated, gzip-compressed binary shards, and raw game records into a
// JSON-lines sink for audit and replay.
package dataio

import (
	"bufio"
	"encoding/binary"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/janpfeifer/selfplay/internal/game"
)

// shardMagic starts every shard file, followed by the record dimensions.
var shardMagic = [4]byte{'S', 'P', 'T', 'D'}

// TrainingDataWriter serializes position records into an append-only shard
// file bounded by a row count, rotating to a fresh randomly-named shard when
// the bound is reached. Shards are written under a ".tmp" name and renamed in
// place once complete, so sibling training processes never observe a partial
// shard.
//
// Not safe for concurrent use; each writer is owned by a single drain
// goroutine of the data pipeline.
type TrainingDataWriter struct {
	outDir     string
	maxRows    int
	featureLen int
	policyLen  int

	// rowCap is the row bound of the current shard. The very first shard gets
	// a random cap in [firstFileRandMinProp*maxRows, maxRows] so that many
	// parallel selfplay processes restarted together don't all cut shards of
	// identical length, which would bias epoch boundaries during training.
	rowCap int

	file      *os.File
	gz        *gzip.Writer
	buf       *bufio.Writer
	tmpPath   string
	finalPath string
	rows      int

	totalRows int64
}

// NewTrainingDataWriter creates a writer rooted at outDir, which must exist.
func NewTrainingDataWriter(outDir string, maxRowsPerFile int, firstFileRandMinProp float64, featureLen, policyLen int) (*TrainingDataWriter, error) {
	if maxRowsPerFile < 1 {
		return nil, errors.Errorf("maxRowsPerFile must be >= 1, got %d", maxRowsPerFile)
	}
	if firstFileRandMinProp < 0 || firstFileRandMinProp > 1 {
		return nil, errors.Errorf("firstFileRandMinProp must be in [0, 1], got %g", firstFileRandMinProp)
	}
	if featureLen < 1 || policyLen < 1 {
		return nil, errors.Errorf("record dimensions must be >= 1, got features=%d policy=%d", featureLen, policyLen)
	}
	w := &TrainingDataWriter{
		outDir:     outDir,
		maxRows:    maxRowsPerFile,
		featureLen: featureLen,
		policyLen:  policyLen,
	}
	minRows := int(firstFileRandMinProp * float64(maxRowsPerFile))
	w.rowCap = minRows + rand.IntN(maxRowsPerFile-minRows+1)
	if w.rowCap < 1 {
		w.rowCap = 1
	}
	return w, nil
}

// WriteGame appends every record of the finished game, rotating shards as row
// bounds are hit.
func (w *TrainingDataWriter) WriteGame(data *game.FinishedGameData) error {
	for ii := range data.Records {
		if err := w.writeRow(&data.Records[ii]); err != nil {
			return errors.WithMessagef(err, "writing game %d", data.GameIdx)
		}
	}
	return nil
}

func (w *TrainingDataWriter) writeRow(record *game.PositionRecord) error {
	if len(record.Features) != w.featureLen || len(record.Policy) != w.policyLen {
		return errors.Errorf("record dimensions %d/%d do not match writer dimensions %d/%d",
			len(record.Features), len(record.Policy), w.featureLen, w.policyLen)
	}
	if w.file == nil {
		if err := w.openShard(); err != nil {
			return err
		}
	}
	row := make([]byte, 0, 4*(w.featureLen+w.policyLen+1))
	row = appendFloats(row, record.Features)
	row = appendFloats(row, record.Policy)
	row = binary.LittleEndian.AppendUint32(row, math.Float32bits(record.Value))
	if _, err := w.buf.Write(row); err != nil {
		return errors.Wrapf(err, "cannot write row to shard %q", w.tmpPath)
	}
	w.rows++
	w.totalRows++
	if w.rows >= w.rowCap {
		return w.closeShard()
	}
	return nil
}

func appendFloats(buf []byte, values []float32) []byte {
	for _, v := range values {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	return buf
}

func (w *TrainingDataWriter) openShard() error {
	name := uuid.NewString() + ".bin.gz"
	w.finalPath = filepath.Join(w.outDir, name)
	w.tmpPath = w.finalPath + ".tmp"
	file, err := os.Create(w.tmpPath)
	if err != nil {
		return errors.Wrapf(err, "cannot create shard %q", w.tmpPath)
	}
	w.file = file
	w.gz = gzip.NewWriter(file)
	w.buf = bufio.NewWriter(w.gz)
	w.rows = 0

	header := make([]byte, 0, 12)
	header = append(header, shardMagic[:]...)
	header = binary.LittleEndian.AppendUint32(header, uint32(w.featureLen))
	header = binary.LittleEndian.AppendUint32(header, uint32(w.policyLen))
	if _, err := w.buf.Write(header); err != nil {
		return errors.Wrapf(err, "cannot write shard header to %q", w.tmpPath)
	}
	return nil
}

// closeShard finishes the current shard and publishes it under its final name.
func (w *TrainingDataWriter) closeShard() error {
	if w.file == nil {
		return nil
	}
	err := w.buf.Flush()
	if err == nil {
		err = w.gz.Close()
	}
	if closeErr := w.file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(w.tmpPath)
		w.file, w.gz, w.buf = nil, nil, nil
		return errors.Wrapf(err, "cannot finish shard %q", w.tmpPath)
	}
	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		_ = os.Remove(w.tmpPath)
		w.file, w.gz, w.buf = nil, nil, nil
		return errors.Wrapf(err, "cannot publish shard %q", w.finalPath)
	}
	klog.V(1).Infof("Published shard %s (%d rows)", w.finalPath, w.rows)
	w.file, w.gz, w.buf = nil, nil, nil
	w.rowCap = w.maxRows
	return nil
}

// Close publishes the in-progress shard, if any. Partial shards still carry
// data that must not be lost.
func (w *TrainingDataWriter) Close() error {
	if w.file != nil && w.rows == 0 {
		// Nothing but a header; discard instead of publishing an empty shard.
		_ = w.gz.Close()
		_ = w.file.Close()
		err := os.Remove(w.tmpPath)
		w.file, w.gz, w.buf = nil, nil, nil
		return errors.Wrapf(err, "cannot remove empty shard %q", w.tmpPath)
	}
	return w.closeShard()
}

// TotalRows returns the number of rows written over the writer's lifetime.
func (w *TrainingDataWriter) TotalRows() int64 { return w.totalRows }
