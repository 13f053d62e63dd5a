// Package bandwidth provides the rate gates shared by all peers of a process.
package bandwidth

import (
	"time"

	"github.com/I2PPlus/i2pplus-sub004/internal/peerid"
	"github.com/juju/ratelimit"
	"github.com/rcrowley/go-metrics"
)

// Gate decides whether piece data may be sent and block requests may be made.
// Implementations must be safe for concurrent use by all peers.
type Gate interface {
	// ShouldSend reports whether n bytes of piece data may be uploaded now.
	ShouldSend(n int) bool
	// ShouldRequest reports whether a request for n bytes may be sent to the peer now.
	ShouldRequest(peer *peerid.Identity, n int) bool
	Downloaded(n int)
	Uploaded(n int)
	// DownloadRate returns the current download rate in bytes per second.
	DownloadRate() int64
	// DownloadLimit returns the download limit in bytes per second. Zero means unlimited.
	DownloadLimit() int64
}

// Limiter is a Gate backed by token buckets.
type Limiter struct {
	upload        *ratelimit.Bucket
	download      *ratelimit.Bucket
	downloadLimit int64

	downloadSpeed metrics.Meter
	uploadSpeed   metrics.Meter
}

var _ Gate = (*Limiter)(nil)

// minCapacity must hold the largest block so that a single piece message can always pass.
const minCapacity = 64 * 1024

// New returns a Limiter with download and upload limits in bytes per second.
// Zero limit means unlimited. Meters are registered in r if it is not nil.
func New(downloadLimit, uploadLimit int64, r metrics.Registry) *Limiter {
	l := &Limiter{
		upload:        newBucket(uploadLimit),
		download:      newBucket(downloadLimit),
		downloadLimit: downloadLimit,
		downloadSpeed: metrics.NewMeter(),
		uploadSpeed:   metrics.NewMeter(),
	}
	if r != nil {
		_ = r.Register("speed_download", l.downloadSpeed)
		_ = r.Register("speed_upload", l.uploadSpeed)
	}
	return l
}

func newBucket(rate int64) *ratelimit.Bucket {
	if rate <= 0 {
		return nil
	}
	return ratelimit.NewBucketWithRate(float64(rate), max(rate, minCapacity))
}

func take(b *ratelimit.Bucket, n int) bool {
	if b == nil {
		return true
	}
	_, ok := b.TakeMaxDuration(int64(n), 0)
	return ok
}

// ShouldSend implements Gate.
func (l *Limiter) ShouldSend(n int) bool {
	return take(l.upload, n)
}

// ShouldRequest implements Gate. Download tokens are reserved when the request is sent.
func (l *Limiter) ShouldRequest(peer *peerid.Identity, n int) bool {
	return take(l.download, n)
}

// Downloaded implements Gate.
func (l *Limiter) Downloaded(n int) {
	l.downloadSpeed.Mark(int64(n))
}

// Uploaded implements Gate.
func (l *Limiter) Uploaded(n int) {
	l.uploadSpeed.Mark(int64(n))
}

// DownloadRate implements Gate.
func (l *Limiter) DownloadRate() int64 {
	return int64(l.downloadSpeed.Rate1())
}

// UploadRate returns the current upload rate in bytes per second.
func (l *Limiter) UploadRate() int64 {
	return int64(l.uploadSpeed.Rate1())
}

// DownloadLimit implements Gate.
func (l *Limiter) DownloadLimit() int64 {
	return l.downloadLimit
}

// Stop stops the meters.
func (l *Limiter) Stop() {
	l.downloadSpeed.Stop()
	l.uploadSpeed.Stop()
}

// SendDelay returns the estimated wait until n bytes may be uploaded.
func (l *Limiter) SendDelay(n int) time.Duration {
	return delay(l.upload, n)
}

// RequestDelay returns the estimated wait until a request for n bytes may be sent.
func (l *Limiter) RequestDelay(n int) time.Duration {
	return delay(l.download, n)
}

func delay(b *ratelimit.Bucket, n int) time.Duration {
	if b == nil {
		return 0
	}
	missing := int64(n) - b.Available()
	if missing <= 0 {
		return 0
	}
	return time.Duration(float64(missing) / b.Rate() * float64(time.Second))
}
