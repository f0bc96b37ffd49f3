package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// encodeVector packs a vector as little-endian float32s.
func encodeVector(v []float32) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(4 * len(v))
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeVector is the inverse of encodeVector.
func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, v); err != nil {
		return nil, err
	}
	return v, nil
}
