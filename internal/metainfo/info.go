package metainfo

import (
	"bytes"
	"crypto/sha1" // nolint: gosec
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/zeebo/bencode"
)

var errInvalidPieceData = errors.New("invalid piece data")

// Info contains information about torrent.
type Info struct {
	PieceSize uint32             `bencode:"piece length" json:"piece_length"`
	Pieces    []byte             `bencode:"pieces" json:"-"`
	Private   bencode.RawMessage `bencode:"private" json:"-"`
	Name      string             `bencode:"name" json:"name"`
	Length    int64              `bencode:"length" json:"length"` // Single File Mode
	Files     []FileDict         `bencode:"files" json:"files"`   // Multiple File mode

	// Calculated fileds
	hash        [20]byte
	totalLength int64
	numPieces   uint32
	bytes       []byte
	private     bool
}

// FileDict is a file entry of a multi-file torrent.
type FileDict struct {
	Length int64    `bencode:"length" json:"length"`
	Path   []string `bencode:"path" json:"path"`
	// Attr contains "p" for padding files.
	Attr string `bencode:"attr" json:"attr,omitempty"`
}

// Padding reports whether the file only aligns the next file to a piece boundary.
func (f FileDict) Padding() bool {
	return strings.Contains(f.Attr, "p")
}

// NewInfo returns info from bencoded bytes in b.
func NewInfo(b []byte) (*Info, error) {
	var i Info
	if err := bencode.DecodeBytes(b, &i); err != nil {
		return nil, err
	}
	if i.PieceSize == 0 {
		return nil, errors.New("piece length is zero")
	}
	if uint32(len(i.Pieces))%sha1.Size != 0 {
		return nil, errInvalidPieceData
	}
	if len(i.Private) > 0 {
		var intVal int64
		var stringVal string
		err := bencode.DecodeBytes(i.Private, &intVal)
		if err != nil {
			err = bencode.DecodeBytes(i.Private, &stringVal)
			if err == nil {
				i.private = stringVal == "1"
			}
		} else {
			i.private = intVal == 1
		}
	}
	// ".." is not allowed in file names
	for _, file := range i.Files {
		for _, path := range file.Path {
			if strings.TrimSpace(path) == ".." {
				return nil, fmt.Errorf("invalid file name: %q", filepath.Join(file.Path...))
			}
		}
	}
	i.numPieces = uint32(len(i.Pieces)) / sha1.Size
	if !i.MultiFile() {
		i.totalLength = i.Length
	} else {
		for _, f := range i.Files {
			i.totalLength += f.Length
		}
	}
	totalPieceDataLength := int64(i.PieceSize) * int64(i.numPieces)
	delta := totalPieceDataLength - i.totalLength
	if delta >= int64(i.PieceSize) || delta < 0 {
		return nil, errInvalidPieceData
	}
	i.bytes = b
	i.hash = sha1.Sum(b) // nolint: gosec
	return &i, nil
}

// NumPieces returns the number of pieces.
func (i *Info) NumPieces() uint32 { return i.numPieces }

// PieceLength returns the length of piece at index. Only the last piece may be shorter than PieceSize.
func (i *Info) PieceLength(index uint32) uint32 {
	if index == i.numPieces-1 {
		return uint32(i.totalLength - int64(i.PieceSize)*int64(index))
	}
	return i.PieceSize
}

// TotalLength is the sum of file lengths.
func (i *Info) TotalLength() int64 { return i.totalLength }

// InfoHash is the SHA-1 of the bencoded info dictionary.
func (i *Info) InfoHash() [20]byte { return i.hash }

// Bytes returns the bencoded info dictionary.
func (i *Info) Bytes() []byte { return i.bytes }

// HashOf returns the expected SHA-1 of piece at index.
func (i *Info) HashOf(index uint32) []byte {
	begin := index * sha1.Size
	end := begin + sha1.Size
	return i.Pieces[begin:end]
}

// CheckPiece reports whether hash matches the expected hash of piece at index.
func (i *Info) CheckPiece(index uint32, hash [20]byte) bool {
	if index >= i.numPieces {
		return false
	}
	return bytes.Equal(i.HashOf(index), hash[:])
}

// MultiFile reports whether the torrent has a files list.
func (i *Info) MultiFile() bool {
	return len(i.Files) != 0
}

// GetFiles returns the files in torrent as a slice, even if there is a single file.
func (i *Info) GetFiles() []FileDict {
	if i.MultiFile() {
		return i.Files
	}
	return []FileDict{{Length: i.Length, Path: []string{i.Name}}}
}

// IsPrivate reports whether the private flag is set.
func (i *Info) IsPrivate() bool {
	if i == nil {
		return false
	}
	return i.private
}
