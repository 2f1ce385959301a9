package decoder

import (
	"errors"
	"net/netip"
	"time"

	"github.com/google/gopacket/ip4defrag"
	"github.com/google/gopacket/layers"
)

// fragmentTimeout bounds how long an incomplete datagram is kept, in
// capture time.
const fragmentTimeout = 30 * time.Second

// rateWindow is the capture-time window per-source fragment limits count in.
const rateWindow = 10 * time.Second

var errFragmentLimit = errors.New("fragment limit for source exceeded")

type defragmenter struct {
	d         *ip4defrag.IPv4Defragmenter
	lastFlush time.Time

	// per-source fragment counts in the current window, nil when unlimited
	maxPerSource int
	counts       map[netip.Addr]int
	windowStart  time.Time
}

func newDefragmenter(maxPerSource int) *defragmenter {
	f := &defragmenter{
		d:            ip4defrag.NewIPv4Defragmenter(),
		maxPerSource: maxPerSource,
	}
	if maxPerSource > 0 {
		f.counts = make(map[netip.Addr]int)
	}
	return f
}

func isFragment(ip *layers.IPv4) bool {
	return ip.Flags&layers.IPv4MoreFragments != 0 || ip.FragOffset != 0
}

// add feeds one fragment. It returns the reassembled datagram once the last
// missing fragment arrives, and nil before that.
func (f *defragmenter) add(ip *layers.IPv4, ts time.Time) (*layers.IPv4, error) {
	if !f.allow(addr(ip.SrcIP), ts) {
		return nil, errFragmentLimit
	}
	if !ts.IsZero() && ts.Sub(f.lastFlush) > fragmentTimeout {
		f.d.DiscardOlderThan(ts.Add(-fragmentTimeout))
		f.lastFlush = ts
	}
	// The defragmenter keeps the layer, so hand it a copy of the reused one.
	frag := *ip
	frag.Payload = append([]byte(nil), ip.Payload...)
	return f.d.DefragIPv4WithTimestamp(&frag, ts)
}

// allow counts one fragment from src and reports whether it stays within
// the per-source limit of the current window.
func (f *defragmenter) allow(src netip.Addr, ts time.Time) bool {
	if f.counts == nil {
		return true
	}
	if ts.Sub(f.windowStart) >= rateWindow {
		clear(f.counts)
		f.windowStart = ts
	}
	f.counts[src]++
	return f.counts[src] <= f.maxPerSource
}
