// Package metainfo reads and writes torrent files and their info dictionaries.
package metainfo

import (
	"errors"
	"io"
	"strings"
	"time"

	"github.com/zeebo/bencode"
)

// Creator is written to the "created by" field of torrents made by NewBytes.
var Creator string

// MetaInfo is a decoded torrent file.
type MetaInfo struct {
	Info         *Info
	AnnounceList [][]string
	Comment      string
	CreatedBy    string
	CreationDate time.Time
}

// torrentFile is the bencoded form of a torrent file.
type torrentFile struct {
	Info         bencode.RawMessage `bencode:"info"`
	Announce     string             `bencode:"announce,omitempty"`
	AnnounceList [][]string         `bencode:"announce-list,omitempty"`
	Comment      string             `bencode:"comment,omitempty"`
	CreationDate int64              `bencode:"creation date,omitempty"`
	CreatedBy    string             `bencode:"created by,omitempty"`
}

// New decodes a torrent file from r.
// A single "announce" URL is returned as a tier of its own when there is no "announce-list".
func New(r io.Reader) (*MetaInfo, error) {
	var tf torrentFile
	if err := bencode.NewDecoder(r).Decode(&tf); err != nil {
		return nil, err
	}
	if len(tf.Info) == 0 {
		return nil, errors.New("no info dict in torrent file")
	}
	info, err := NewInfo(tf.Info)
	if err != nil {
		return nil, err
	}
	mi := &MetaInfo{
		Info:         info,
		AnnounceList: cleanTiers(tf.AnnounceList),
		Comment:      tf.Comment,
		CreatedBy:    tf.CreatedBy,
	}
	if len(mi.AnnounceList) == 0 && strings.TrimSpace(tf.Announce) != "" {
		mi.AnnounceList = [][]string{{strings.TrimSpace(tf.Announce)}}
	}
	if tf.CreationDate > 0 {
		mi.CreationDate = time.Unix(tf.CreationDate, 0).UTC()
	}
	return mi, nil
}

// cleanTiers drops blank URLs and empty tiers.
func cleanTiers(tiers [][]string) [][]string {
	var out [][]string
	for _, tier := range tiers {
		var urls []string
		for _, u := range tier {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		if len(urls) != 0 {
			out = append(out, urls)
		}
	}
	return out
}

// NewBytes returns a bencoded torrent file containing the info dictionary, trackers and comment.
func NewBytes(info []byte, trackers [][]string, comment string) ([]byte, error) {
	tf := torrentFile{
		Info:         info,
		Comment:      comment,
		CreationDate: time.Now().Unix(),
		CreatedBy:    Creator,
	}
	switch trackers = cleanTiers(trackers); {
	case len(trackers) == 1 && len(trackers[0]) == 1:
		tf.Announce = trackers[0][0]
	case len(trackers) > 0:
		tf.Announce = trackers[0][0]
		tf.AnnounceList = trackers
	}
	return bencode.EncodeBytes(tf)
}
