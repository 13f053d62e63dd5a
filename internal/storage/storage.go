// Package storage maps the byte stream of a torrent onto its files.
package storage

import "io"

// Storage is where the files of a torrent are kept.
type Storage interface {
	// Open returns the file at the relative path name with its length set to size.
	// exists reports whether the file was there before the call.
	Open(name string, size int64) (f File, exists bool, err error)
}

// File is an open file of a torrent.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
}

// zeroFile is a padding file (BEP 47). Nothing is stored, reads return zeroes.
type zeroFile struct{}

func (zeroFile) ReadAt(p []byte, off int64) (int, error) {
	clear(p)
	return len(p), nil
}

func (zeroFile) WriteAt(p []byte, off int64) (int, error) { return len(p), nil }

func (zeroFile) Close() error { return nil }
