package storage

import (
	"errors"
	"io"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
)

// Entry is a file of a torrent in the order of the info dictionary.
type Entry struct {
	Path    []string
	Length  int64
	Padding bool
}

type section struct {
	file   File
	offset int64
	length int64
}

// Data is the concatenation of the files of a torrent.
// Piece hashes are calculated over this byte stream.
type Data struct {
	sections []section
	length   int64
}

var (
	_ io.ReaderAt = (*Data)(nil)
	_ io.WriterAt = (*Data)(nil)
)

// Open opens all files in s. exists is true if every non-padding file was already there.
func Open(s Storage, files []Entry) (d *Data, exists bool, err error) {
	d = &Data{}
	defer func() {
		if err != nil {
			_ = d.Close()
		}
	}()
	exists = true
	for _, e := range files {
		var f File
		if e.Padding {
			f = zeroFile{}
		} else {
			var ok bool
			f, ok, err = s.Open(filepath.Join(e.Path...), e.Length)
			if err != nil {
				return nil, false, err
			}
			exists = exists && ok
		}
		d.sections = append(d.sections, section{file: f, offset: d.length, length: e.Length})
		d.length += e.Length
	}
	return d, exists, nil
}

// Len returns the total length of files.
func (d *Data) Len() int64 { return d.length }

// ReadAt reads len(p) bytes at offset off of the concatenated files.
func (d *Data) ReadAt(p []byte, off int64) (n int, err error) {
	return d.each(p, off, func(f File, b []byte, off int64) (int, error) {
		m, err := f.ReadAt(b, off)
		if err == io.EOF && m == len(b) {
			err = nil
		}
		return m, err
	})
}

// WriteAt writes p at offset off of the concatenated files.
// Used when writing a downloaded piece after its hash is checked.
func (d *Data) WriteAt(p []byte, off int64) (n int, err error) {
	return d.each(p, off, File.WriteAt)
}

func (d *Data) each(p []byte, off int64, f func(File, []byte, int64) (int, error)) (n int, err error) {
	if off < 0 || off+int64(len(p)) > d.length {
		return 0, errors.New("access out of bounds")
	}
	for _, sec := range d.sections {
		if len(p) == 0 {
			break
		}
		end := sec.offset + sec.length
		if off >= end || sec.length == 0 {
			continue
		}
		pos := off - sec.offset
		l := min(int64(len(p)), sec.length-pos)
		m, err := f(sec.file, p[:l], pos)
		n += m
		if err != nil {
			return n, err
		}
		if int64(m) < l {
			return n, io.ErrShortWrite
		}
		p = p[l:]
		off += l
	}
	return n, nil
}

// Close closes all files.
func (d *Data) Close() error {
	var result error
	for _, sec := range d.sections {
		if err := sec.file.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}
