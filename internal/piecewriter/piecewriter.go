// Package piecewriter moves verified piece buffers to storage.
package piecewriter

import (
	"io"

	"github.com/I2PPlus/i2pplus-sub004/internal/blockbuffer"
	"github.com/I2PPlus/i2pplus-sub004/internal/semaphore"
	"github.com/rcrowley/go-metrics"
)

// PieceWriter writes the data in piece buffers to storage.
// The number of concurrent writes is limited.
type PieceWriter struct {
	data io.WriterAt
	sem  *semaphore.Semaphore

	writesPerSecond     metrics.Meter
	writeBytesPerSecond metrics.Meter
}

// New returns a PieceWriter writing to data. parallel <= 0 means no limit.
// Meters are registered in r if it is not nil.
func New(data io.WriterAt, parallel int, r metrics.Registry) *PieceWriter {
	w := &PieceWriter{
		data:                data,
		sem:                 semaphore.New(parallel),
		writesPerSecond:     metrics.NewMeter(),
		writeBytesPerSecond: metrics.NewMeter(),
	}
	if r != nil {
		_ = r.Register("writes_per_second", w.writesPerSecond)
		_ = r.Register("write_bytes_per_second", w.writeBytesPerSecond)
	}
	return w
}

// Write copies buf to offset. The buffer is not released.
func (w *PieceWriter) Write(buf *blockbuffer.Buffer, offset int64) error {
	w.sem.Wait()
	n, err := buf.WriteTo(io.NewOffsetWriter(w.data, offset))
	w.sem.Signal()
	w.writesPerSecond.Mark(1)
	w.writeBytesPerSecond.Mark(n)
	return err
}

// Stop stops the meters.
func (w *PieceWriter) Stop() {
	w.writesPerSecond.Stop()
	w.writeBytesPerSecond.Stop()
}
