// Package verifier checks the pieces already on disk.
package verifier

import (
	"context"
	"crypto/sha1" // nolint: gosec
	"io"

	"github.com/I2PPlus/i2pplus-sub004/internal/bitfield"
)

// Pieces is the part of torrent metadata needed for verification.
type Pieces interface {
	NumPieces() uint32
	PieceLength(i uint32) uint32
	CheckPiece(i uint32, hash [20]byte) bool
}

// Progress is called after each piece is checked.
type Progress func(checked, total uint32)

// Verify reads every piece from data and returns the pieces with a matching hash.
func Verify(ctx context.Context, data io.ReaderAt, p Pieces, pieceSize uint32, progress Progress) (*bitfield.Bitfield, error) {
	n := p.NumPieces()
	bf := bitfield.New(n)
	if n == 0 {
		return bf, nil
	}
	buf := make([]byte, pieceSize)
	var off int64
	for i := uint32(0); i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b := buf[:p.PieceLength(i)]
		if _, err := data.ReadAt(b, off); err != nil {
			return nil, err
		}
		if p.CheckPiece(i, sha1.Sum(b)) { // nolint: gosec
			bf.Set(i)
		}
		off += int64(len(b))
		if progress != nil {
			progress(i+1, n)
		}
	}
	return bf, nil
}
