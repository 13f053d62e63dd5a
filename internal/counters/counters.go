// Package counters provides byte counters of a peer session.
package counters

import "sync/atomic"

// Counters provides concurrent-safe access over set of integers.
type Counters struct {
	downloaded atomic.Int64
	uploaded   atomic.Int64
	wasted     atomic.Int64
}

// AddDownloaded increases the number of piece bytes received.
func (c *Counters) AddDownloaded(n int64) { c.downloaded.Add(n) }

// AddUploaded increases the number of piece bytes sent.
func (c *Counters) AddUploaded(n int64) { c.uploaded.Add(n) }

// AddWasted increases the number of bytes received that could not be used.
func (c *Counters) AddWasted(n int64) { c.wasted.Add(n) }

// Downloaded returns the number of piece bytes received.
func (c *Counters) Downloaded() int64 { return c.downloaded.Load() }

// Uploaded returns the number of piece bytes sent.
func (c *Counters) Uploaded() int64 { return c.uploaded.Load() }

// Wasted returns the number of bytes received that could not be used.
func (c *Counters) Wasted() int64 { return c.wasted.Load() }

// Stats is a snapshot of Counters.
type Stats struct {
	Downloaded int64
	Uploaded   int64
	Wasted     int64
}

// Stats returns a snapshot of the counters.
func (c *Counters) Stats() Stats {
	return Stats{
		Downloaded: c.Downloaded(),
		Uploaded:   c.Uploaded(),
		Wasted:     c.Wasted(),
	}
}
