package shoalproto

// pnRange is an inclusive range of packet numbers.
type pnRange struct {
	lo, hi uint64
}

func (r pnRange) contains(pn uint64) bool {
	return r.lo <= pn && pn <= r.hi
}

// maxAckRanges bounds the ranges remembered, and so the size of an ACK frame.
const maxAckRanges = 32

// rangeSet is a set of packet numbers stored as disjoint ranges in descending order.
type rangeSet struct {
	ranges []pnRange
}

func (s *rangeSet) contains(pn uint64) bool {
	for _, r := range s.ranges {
		if r.contains(pn) {
			return true
		}
		if r.hi < pn {
			return false
		}
	}
	return false
}

// add inserts pn, returning false if it was already present.
func (s *rangeSet) add(pn uint64) bool {
	i := 0
	for i < len(s.ranges) && s.ranges[i].lo > pn {
		i++
	}
	// every range before i lies strictly above pn.
	if i < len(s.ranges) && s.ranges[i].contains(pn) {
		return false
	}
	extendsAbove := i > 0 && s.ranges[i-1].lo == pn+1
	extendsBelow := i < len(s.ranges) && s.ranges[i].hi+1 == pn
	switch {
	case extendsAbove && extendsBelow:
		s.ranges[i-1].lo = s.ranges[i].lo
		s.ranges = append(s.ranges[:i], s.ranges[i+1:]...)
	case extendsAbove:
		s.ranges[i-1].lo = pn
	case extendsBelow:
		s.ranges[i].hi = pn
	default:
		s.ranges = append(s.ranges, pnRange{})
		copy(s.ranges[i+1:], s.ranges[i:])
		s.ranges[i] = pnRange{lo: pn, hi: pn}
	}
	if len(s.ranges) > maxAckRanges {
		s.ranges = s.ranges[:maxAckRanges]
	}
	return true
}

func (s *rangeSet) largest() (uint64, bool) {
	if len(s.ranges) == 0 {
		return 0, false
	}
	return s.ranges[0].hi, true
}

func (s *rangeSet) snapshot() []pnRange {
	return append([]pnRange{}, s.ranges...)
}
