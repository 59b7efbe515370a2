package shoalproto

import (
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type sentPacket struct {
	pn           uint64
	sentAt       time.Time
	ackEliciting bool
	// frames are the frames to retransmit if the packet is lost.
	frames []frame
}

type rttStats struct {
	latest    time.Duration
	smoothed  time.Duration
	variance  time.Duration
	min       time.Duration
	hasSample bool
}

func (r *rttStats) update(sample, ackDelay, maxAckDelay time.Duration) {
	if sample <= 0 {
		sample = timerGranularity
	}
	r.latest = sample
	if !r.hasSample {
		r.hasSample = true
		r.min = sample
		r.smoothed = sample
		r.variance = sample / 2
		return
	}
	if sample < r.min {
		r.min = sample
	}
	if ackDelay > maxAckDelay {
		ackDelay = maxAckDelay
	}
	adjusted := sample
	if sample-ackDelay >= r.min {
		adjusted = sample - ackDelay
	}
	diff := r.smoothed - adjusted
	if diff < 0 {
		diff = -diff
	}
	r.variance = (3*r.variance + diff) / 4
	r.smoothed = (7*r.smoothed + adjusted) / 8
}

func (r *rttStats) smoothedOrInitial() time.Duration {
	if !r.hasSample {
		return initialRTT
	}
	return r.smoothed
}

// pto is the probe timeout before backoff.
func (r *rttStats) pto(maxAckDelay time.Duration) time.Duration {
	if !r.hasSample {
		return 2*initialRTT + maxAckDelay
	}
	v := 4 * r.variance
	if v < timerGranularity {
		v = timerGranularity
	}
	return r.smoothed + v + maxAckDelay
}

// lossDelay is how long after a later packet is acknowledged an earlier one is declared lost.
func (r *rttStats) lossDelay() time.Duration {
	d := r.smoothedOrInitial()
	if r.latest > d {
		d = r.latest
	}
	d = d * 9 / 8
	if d < timerGranularity {
		d = timerGranularity
	}
	return d
}

// recovery tracks the packets in flight.
type recovery struct {
	sent             map[uint64]*sentPacket
	rtt              rttStats
	largestAcked     uint64
	hasAcked         bool
	ptoCount         int
	lastAckEliciting time.Time
	// lossTime is when the earliest packet not yet lost by threshold will be declared lost.
	lossTime time.Time
}

func newRecovery() recovery {
	return recovery{sent: make(map[uint64]*sentPacket)}
}

func (r *recovery) onSent(p *sentPacket) {
	r.sent[p.pn] = p
	if p.ackEliciting {
		r.lastAckEliciting = p.sentAt
	}
}

func (r *recovery) ackElicitingInFlight() bool {
	for _, p := range r.sent {
		if p.ackEliciting {
			return true
		}
	}
	return false
}

// onAck processes an ACK frame. It returns the packets newly acknowledged and those declared lost.
func (r *recovery) onAck(now time.Time, ranges []pnRange, ackDelay, maxAckDelay time.Duration) (acked, lost []*sentPacket) {
	for _, pn := range r.sortedPNs() {
		for _, rg := range ranges {
			if rg.contains(pn) {
				acked = append(acked, r.sent[pn])
				delete(r.sent, pn)
				break
			}
		}
	}
	if len(acked) == 0 {
		return nil, nil
	}
	largest := acked[len(acked)-1]
	if !r.hasAcked || largest.pn > r.largestAcked {
		r.largestAcked = largest.pn
		r.hasAcked = true
		if largest.ackEliciting && largest.pn == ranges[0].hi {
			r.rtt.update(now.Sub(largest.sentAt), ackDelay, maxAckDelay)
		}
	}
	r.ptoCount = 0
	lost = r.detectLost(now)
	return acked, lost
}

// detectLost removes and returns the packets which are now considered lost, and sets lossTime.
func (r *recovery) detectLost(now time.Time) []*sentPacket {
	r.lossTime = time.Time{}
	if !r.hasAcked {
		return nil
	}
	delay := r.rtt.lossDelay()
	var lost []*sentPacket
	for _, pn := range r.sortedPNs() {
		if pn > r.largestAcked {
			break
		}
		p := r.sent[pn]
		if r.largestAcked >= pn+packetThreshold || !p.sentAt.Add(delay).After(now) {
			lost = append(lost, p)
			delete(r.sent, pn)
			continue
		}
		if t := p.sentAt.Add(delay); r.lossTime.IsZero() || t.Before(r.lossTime) {
			r.lossTime = t
		}
	}
	return lost
}

// onPTO declares every packet in flight lost so its frames are sent again, and backs off.
func (r *recovery) onPTO() []*sentPacket {
	r.ptoCount++
	var lost []*sentPacket
	for _, pn := range r.sortedPNs() {
		lost = append(lost, r.sent[pn])
	}
	maps.Clear(r.sent)
	r.lossTime = time.Time{}
	return lost
}

// ptoDeadline returns when the probe timer fires, if it is armed.
func (r *recovery) ptoDeadline(maxAckDelay time.Duration) (time.Time, bool) {
	if !r.ackElicitingInFlight() {
		return time.Time{}, false
	}
	d := r.rtt.pto(maxAckDelay) << r.ptoCount
	return r.lastAckEliciting.Add(d), true
}

func (r *recovery) sortedPNs() []uint64 {
	pns := maps.Keys(r.sent)
	slices.Sort(pns)
	return pns
}
