package metainfo

import (
	"crypto/sha1" // nolint: gosec
	"errors"
	"io"

	"github.com/zeebo/bencode"
)

// calculatePieceLength picks a piece length that keeps the piece count around 2048.
func calculatePieceLength(totalLength int64) uint32 {
	const (
		minPieceLength = 32 << 10
		maxPieceLength = 16 << 20
		targetPieces   = 2048
	)
	l := totalLength / targetPieces
	if l < minPieceLength {
		return minPieceLength
	}
	if l > maxPieceLength {
		return maxPieceLength
	}
	// Round up to the next power of two.
	p := int64(minPieceLength)
	for p < l {
		p <<= 1
	}
	return uint32(p)
}

// NewInfoBytes hashes length bytes of data and returns a bencoded single-file info dictionary.
// If pieceLength is zero, it is calculated from length.
func NewInfoBytes(name string, data io.Reader, length int64, pieceLength uint32) ([]byte, error) {
	if length <= 0 {
		return nil, errors.New("empty torrent")
	}
	if pieceLength == 0 {
		pieceLength = calculatePieceLength(length)
	}
	var pieces []byte
	buf := make([]byte, pieceLength)
	for remaining := length; remaining > 0; {
		n := min(int64(pieceLength), remaining)
		if _, err := io.ReadFull(data, buf[:n]); err != nil {
			return nil, err
		}
		sum := sha1.Sum(buf[:n]) // nolint: gosec
		pieces = append(pieces, sum[:]...)
		remaining -= n
	}
	info := struct {
		Name        string `bencode:"name"`
		PieceLength uint32 `bencode:"piece length"`
		Pieces      []byte `bencode:"pieces"`
		Length      int64  `bencode:"length"`
	}{
		Name:        name,
		PieceLength: pieceLength,
		Pieces:      pieces,
		Length:      length,
	}
	return bencode.EncodeBytes(info)
}
