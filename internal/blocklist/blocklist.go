// Package blocklist keeps IP addresses that must not be connected to.
// Ranges are loaded from a file of CIDR lines and single addresses are banned at runtime.
package blocklist

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"net/netip"
	"sort"
	"sync"

	"github.com/google/btree"
)

// Logger prints error messages during loading. Arguments are handled in the manner of fmt.Printf.
type Logger func(format string, v ...any)

type ipRange struct {
	first, last netip.Addr
}

func rangeLess(a, b ipRange) bool { return a.first.Less(b.first) }

// Blocklist is safe for concurrent use.
type Blocklist struct {
	logger Logger

	m      sync.RWMutex
	ranges *btree.BTreeG[ipRange]
	count  int
	banned map[netip.Addr]struct{}
}

// New returns an empty Blocklist. logger may be nil.
func New(logger Logger) *Blocklist {
	return &Blocklist{
		logger: logger,
		ranges: btree.NewG[ipRange](2, rangeLess),
		banned: make(map[netip.Addr]struct{}),
	}
}

// Len returns the number of rules loaded plus the number of banned addresses.
func (b *Blocklist) Len() int {
	b.m.RLock()
	defer b.m.RUnlock()
	return b.count + len(b.banned)
}

// Blocked returns true if ip is in a loaded range or banned.
func (b *Blocklist) Blocked(ip net.IP) bool {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return false
	}
	addr = addr.Unmap()
	b.m.RLock()
	defer b.m.RUnlock()
	if _, ok = b.banned[addr]; ok {
		return true
	}
	// Ranges in the tree are disjoint so only the one starting at or before addr can contain it.
	found := false
	b.ranges.DescendLessOrEqual(ipRange{first: addr}, func(r ipRange) bool {
		found = r.first.BitLen() == addr.BitLen() && !r.last.Less(addr)
		return false
	})
	return found
}

// BlockedAddr is like Blocked for TCP addresses. Other address types are never blocked.
func (b *Blocklist) BlockedAddr(addr net.Addr) bool {
	tcp, ok := addr.(*net.TCPAddr)
	return ok && b.Blocked(tcp.IP)
}

// Ban blocks a single address until the process exits.
func (b *Blocklist) Ban(ip net.IP) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return
	}
	b.m.Lock()
	b.banned[addr.Unmap()] = struct{}{}
	b.m.Unlock()
}

// Reload replaces the loaded ranges with the rules read from r and returns the number of rules.
// Banned addresses are kept.
func (b *Blocklist) Reload(r io.Reader) (int, error) {
	ranges, n, err := load(r, b.logger)
	if err != nil {
		return n, err
	}
	tree := btree.NewG[ipRange](2, rangeLess)
	for _, rg := range merge(ranges) {
		tree.ReplaceOrInsert(rg)
	}
	b.m.Lock()
	b.ranges = tree
	b.count = n
	b.m.Unlock()
	return n, nil
}

func load(r io.Reader, logger Logger) ([]ipRange, int, error) {
	var ranges []ipRange
	var hasError bool
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		l := bytes.TrimSpace(scanner.Bytes())
		if len(l) == 0 || l[0] == '#' {
			continue
		}
		rg, err := parseRule(string(l))
		if err != nil {
			hasError = true
			if logger != nil {
				logger("cannot parse blocklist line (%q): %q", string(l), err.Error())
			}
			continue
		}
		ranges = append(ranges, rg)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}
	if len(ranges) == 0 && hasError {
		// At least one line must be valid, otherwise the stream is probably in another format.
		return nil, 0, errors.New("no valid rules")
	}
	return ranges, len(ranges), nil
}

// parseRule accepts a CIDR prefix or a single address.
func parseRule(s string) (ipRange, error) {
	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		addr, aerr := netip.ParseAddr(s)
		if aerr != nil {
			return ipRange{}, err
		}
		prefix = netip.PrefixFrom(addr, addr.BitLen())
	}
	prefix = prefix.Masked()
	first := prefix.Addr().Unmap()
	last := first.As16()
	bits := prefix.Bits()
	if first.Is4() {
		bits += 96
	}
	for i := bits; i < 128; i++ {
		last[i/8] |= 1 << (7 - i%8)
	}
	lastAddr := netip.AddrFrom16(last)
	if first.Is4() {
		lastAddr = lastAddr.Unmap()
	}
	return ipRange{first: first, last: lastAddr}, nil
}

// merge sorts ranges and joins the overlapping ones.
func merge(ranges []ipRange) []ipRange {
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].first.Less(ranges[j].first) })
	out := ranges[:0]
	for _, r := range ranges {
		if n := len(out); n > 0 && out[n-1].last.BitLen() == r.first.BitLen() && !out[n-1].last.Less(r.first) {
			if out[n-1].last.Less(r.last) {
				out[n-1].last = r.last
			}
			continue
		}
		out = append(out, r)
	}
	return out
}
