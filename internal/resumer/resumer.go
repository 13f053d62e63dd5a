// Package resumer contains an interface that is used by swarm package for keeping state between runs.
package resumer

// Resumer provides operations to save and load resume info for a torrent.
type Resumer interface {
	// WriteInfo saves the verified info dictionary.
	WriteInfo(infoHash [20]byte, info []byte) error
	// ReadInfo returns the saved info dictionary, nil if there is none.
	ReadInfo(infoHash [20]byte) ([]byte, error)
	WriteStats(infoHash [20]byte, s Stats) error
	ReadStats(infoHash [20]byte) (Stats, error)
}

// Stats are transfer totals of a torrent.
type Stats struct {
	BytesDownloaded int64
	BytesUploaded   int64
	BytesWasted     int64
}
