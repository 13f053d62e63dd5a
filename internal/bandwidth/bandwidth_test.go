package bandwidth

import (
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
)

func TestUnlimited(t *testing.T) {
	l := New(0, 0, nil)
	defer l.Stop()
	for i := 0; i < 100; i++ {
		assert.True(t, l.ShouldSend(1<<20))
		assert.True(t, l.ShouldRequest(nil, 1<<20))
	}
	assert.Zero(t, l.DownloadLimit())
	assert.Zero(t, l.SendDelay(1<<20))
	assert.Zero(t, l.RequestDelay(1<<20))
}

func TestUploadLimit(t *testing.T) {
	l := New(0, 16*1024, nil)
	defer l.Stop()
	// Bucket starts full with minCapacity tokens.
	assert.True(t, l.ShouldSend(32*1024))
	assert.True(t, l.ShouldSend(32*1024))
	assert.False(t, l.ShouldSend(32*1024))
	assert.Greater(t, l.SendDelay(32*1024), time.Duration(0))
	assert.LessOrEqual(t, l.SendDelay(32*1024), 2*time.Second)
}

func TestDownloadLimit(t *testing.T) {
	l := New(32*1024, 0, nil)
	defer l.Stop()
	assert.Equal(t, int64(32*1024), l.DownloadLimit())
	n := 0
	for l.ShouldRequest(nil, 16*1024) {
		n++
		if n > 100 {
			break
		}
	}
	assert.Equal(t, 4, n)
}

func TestMetersRegistered(t *testing.T) {
	r := metrics.NewRegistry()
	l := New(0, 0, r)
	defer l.Stop()
	l.Downloaded(100)
	l.Uploaded(50)
	assert.Equal(t, int64(100), r.Get("speed_download").(metrics.Meter).Count())
	assert.Equal(t, int64(50), r.Get("speed_upload").(metrics.Meter).Count())
}
