// Package boltdbresumer provides a Resumer implementation that uses a Bolt database file as storage.
package boltdbresumer

import (
	"encoding/hex"
	"strconv"
	"time"

	"github.com/I2PPlus/i2pplus-sub004/internal/resumer"
	"go.etcd.io/bbolt"
)

// Keys for the persisten storage.
var Keys = struct {
	Info            []byte
	AddedAt         []byte
	BytesDownloaded []byte
	BytesUploaded   []byte
	BytesWasted     []byte
}{
	Info:            []byte("info"),
	AddedAt:         []byte("added_at"),
	BytesDownloaded: []byte("bytes_downloaded"),
	BytesUploaded:   []byte("bytes_uploaded"),
	BytesWasted:     []byte("bytes_wasted"),
}

var _ resumer.Resumer = (*Resumer)(nil)

// Resumer contains methods for saving/loading resume information of torrents to a BoltDB database.
// Each torrent has its own bucket named after the hex encoded info hash.
type Resumer struct {
	db     *bbolt.DB
	bucket []byte
}

// Open opens or creates the database file at path and returns a Resumer using bucket.
func Open(path string, bucket []byte) (*Resumer, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	r, err := New(db, bucket)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// New returns a new Resumer.
func New(db *bbolt.DB, bucket []byte) (*Resumer, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err2 := tx.CreateBucketIfNotExists(bucket)
		return err2
	})
	if err != nil {
		return nil, err
	}
	return &Resumer{
		db:     db,
		bucket: bucket,
	}, nil
}

// Close the database.
func (r *Resumer) Close() error {
	return r.db.Close()
}

func torrentKey(infoHash [20]byte) []byte {
	return []byte(hex.EncodeToString(infoHash[:]))
}

// WriteInfo writes the info dict of a torrent.
func (r *Resumer) WriteInfo(infoHash [20]byte, value []byte) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(r.bucket).CreateBucketIfNotExists(torrentKey(infoHash))
		if err != nil {
			return err
		}
		if b.Get(Keys.AddedAt) == nil {
			_ = b.Put(Keys.AddedAt, []byte(time.Now().UTC().Format(time.RFC3339)))
		}
		return b.Put(Keys.Info, value)
	})
}

// ReadInfo returns the info dict of a torrent, nil if it is not saved.
func (r *Resumer) ReadInfo(infoHash [20]byte) ([]byte, error) {
	var info []byte
	err := r.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(r.bucket).Bucket(torrentKey(infoHash))
		if b == nil {
			return nil
		}
		if value := b.Get(Keys.Info); value != nil {
			info = make([]byte, len(value))
			copy(info, value)
		}
		return nil
	})
	return info, err
}

// WriteStats writes the transfer totals of a torrent.
func (r *Resumer) WriteStats(infoHash [20]byte, s resumer.Stats) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(r.bucket).CreateBucketIfNotExists(torrentKey(infoHash))
		if err != nil {
			return err
		}
		_ = b.Put(Keys.BytesDownloaded, []byte(strconv.FormatInt(s.BytesDownloaded, 10)))
		_ = b.Put(Keys.BytesUploaded, []byte(strconv.FormatInt(s.BytesUploaded, 10)))
		_ = b.Put(Keys.BytesWasted, []byte(strconv.FormatInt(s.BytesWasted, 10)))
		return nil
	})
}

// ReadStats returns the saved transfer totals of a torrent. Missing values are zero.
func (r *Resumer) ReadStats(infoHash [20]byte) (resumer.Stats, error) {
	var s resumer.Stats
	err := r.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(r.bucket).Bucket(torrentKey(infoHash))
		if b == nil {
			return nil
		}
		var err error
		if s.BytesDownloaded, err = readInt(b, Keys.BytesDownloaded); err != nil {
			return err
		}
		if s.BytesUploaded, err = readInt(b, Keys.BytesUploaded); err != nil {
			return err
		}
		s.BytesWasted, err = readInt(b, Keys.BytesWasted)
		return err
	})
	return s, err
}

func readInt(b *bbolt.Bucket, key []byte) (int64, error) {
	value := b.Get(key)
	if value == nil {
		return 0, nil
	}
	return strconv.ParseInt(string(value), 10, 64)
}
