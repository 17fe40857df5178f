package dataio

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"github.com/janpfeifer/selfplay/internal/game"
)

// ReadShard loads every record of a published shard file. It is the read-side
// counterpart of TrainingDataWriter, used by verification tooling and tests.
func ReadShard(path string) ([]game.PositionRecord, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read shard %q", path)
	}
	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrapf(err, "shard %q is not gzip-compressed", path)
	}
	defer gz.Close()
	data, err := io.ReadAll(gz)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot decompress shard %q", path)
	}
	if len(data) < 12 || !bytes.Equal(data[:4], shardMagic[:]) {
		return nil, errors.Errorf("shard %q has a corrupt header", path)
	}
	featureLen := int(binary.LittleEndian.Uint32(data[4:8]))
	policyLen := int(binary.LittleEndian.Uint32(data[8:12]))
	rowSize := 4 * (featureLen + policyLen + 1)
	body := data[12:]
	if len(body)%rowSize != 0 {
		return nil, errors.Errorf("shard %q has a truncated row (%d trailing bytes)", path, len(body)%rowSize)
	}

	records := make([]game.PositionRecord, 0, len(body)/rowSize)
	for offset := 0; offset < len(body); offset += rowSize {
		row := body[offset : offset+rowSize]
		record := game.PositionRecord{
			Features: readFloats(row[:4*featureLen]),
			Policy:   readFloats(row[4*featureLen : 4*(featureLen+policyLen)]),
			Value:    math.Float32frombits(binary.LittleEndian.Uint32(row[rowSize-4:])),
		}
		records = append(records, record)
	}
	return records, nil
}

func readFloats(buf []byte) []float32 {
	values := make([]float32, len(buf)/4)
	for ii := range values {
		values[ii] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*ii:]))
	}
	return values
}
