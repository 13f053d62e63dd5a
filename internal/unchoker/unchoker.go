// Package unchoker selects the peers that may download from us.
package unchoker

import (
	"math/rand"
	"sort"
)

// Unchoker unchokes the interested peers with the best transfer rate.
// Every third round some other interested peers are unchoked optimistically.
// Methods are not safe for concurrent use.
type Unchoker struct {
	numUnchoked           int
	numOptimisticUnchoked int

	round uint8

	unchoked   map[Peer]struct{}
	optimistic map[Peer]struct{}
}

// Peer is a peer session seen by the Unchoker.
type Peer interface {
	// SetChoking chokes or unchokes the remote peer.
	SetChoking(choke bool)
	// Choking reports whether we are choking the remote peer.
	Choking() bool
	// Interested reports whether the remote peer is interested in us.
	Interested() bool
	// DownloadSpeed is the rate of piece data received from the peer.
	DownloadSpeed() int64
	// UploadSpeed is the rate of piece data sent to the peer.
	UploadSpeed() int64
}

// New returns a new Unchoker.
func New(numUnchoked, numOptimisticUnchoked int) *Unchoker {
	return &Unchoker{
		numUnchoked:           numUnchoked,
		numOptimisticUnchoked: numOptimisticUnchoked,
		unchoked:              make(map[Peer]struct{}, numUnchoked),
		optimistic:            make(map[Peer]struct{}, numOptimisticUnchoked),
	}
}

// HandleDisconnect removes the peer from internal indexes.
func (u *Unchoker) HandleDisconnect(pe Peer) {
	delete(u.unchoked, pe)
	delete(u.optimistic, pe)
}

// NumUnchoked returns the number of regular and optimistic unchoked peers.
func (u *Unchoker) NumUnchoked() (regular, optimistic int) {
	return len(u.unchoked), len(u.optimistic)
}

func interested(all []Peer) []Peer {
	peers := make([]Peer, 0, len(all))
	for _, pe := range all {
		if pe.Interested() {
			peers = append(peers, pe)
		}
	}
	return peers
}

// Tick must be called periodically, typically every 10 seconds.
// When completed, peers are ranked by upload speed instead of download speed.
func (u *Unchoker) Tick(all []Peer, completed bool) {
	optimisticRound := u.round == 0
	peers := interested(all)
	sort.SliceStable(peers, func(i, j int) bool {
		if completed {
			return peers[i].UploadSpeed() > peers[j].UploadSpeed()
		}
		return peers[i].DownloadSpeed() > peers[j].DownloadSpeed()
	})
	var i, n int
	for ; i < len(peers) && n < u.numUnchoked; i++ {
		pe := peers[i]
		if _, ok := u.optimistic[pe]; ok && !optimisticRound {
			continue
		}
		u.unchoke(pe)
		n++
	}
	rest := peers[i:]
	if optimisticRound {
		for k := 0; k < u.numOptimisticUnchoked && len(rest) > 0; k++ {
			j := rand.Intn(len(rest)) // nolint: gosec
			u.unchokeOptimistic(rest[j])
			rest[j], rest = rest[len(rest)-1], rest[:len(rest)-1]
		}
	} else {
		// Optimistic peers keep their slot until the next optimistic round.
		kept := rest[:0]
		for _, pe := range rest {
			if _, ok := u.optimistic[pe]; !ok {
				kept = append(kept, pe)
			}
		}
		rest = kept
	}
	for _, pe := range rest {
		u.choke(pe)
	}
	for _, pe := range all {
		if !pe.Interested() {
			u.choke(pe)
		}
	}
	u.round = (u.round + 1) % 3
}

func (u *Unchoker) choke(pe Peer) {
	delete(u.unchoked, pe)
	delete(u.optimistic, pe)
	if !pe.Choking() {
		pe.SetChoking(true)
	}
}

func (u *Unchoker) unchoke(pe Peer) {
	delete(u.optimistic, pe)
	u.unchoked[pe] = struct{}{}
	if pe.Choking() {
		pe.SetChoking(false)
	}
}

func (u *Unchoker) unchokeOptimistic(pe Peer) {
	delete(u.unchoked, pe)
	u.optimistic[pe] = struct{}{}
	if pe.Choking() {
		pe.SetChoking(false)
	}
}

// FastUnchoke must be called when the remote peer becomes interested.
// It is unchoked at once if there is a free slot, instead of waiting for the next Tick.
func (u *Unchoker) FastUnchoke(pe Peer) {
	if !pe.Choking() || !pe.Interested() {
		return
	}
	switch {
	case len(u.unchoked) < u.numUnchoked:
		u.unchoke(pe)
	case len(u.optimistic) < u.numOptimisticUnchoked:
		u.unchokeOptimistic(pe)
	}
}
