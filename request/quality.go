package request

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/net"
)

// qualityEWMAAlpha smooths the sampled error/retransmit ratio used to
// decide whether the server is under network congestion.
const qualityEWMAAlpha = 0.2

// qualityDegradedThreshold is the EWMA ratio above which new requests are
// shed rather than admitted, giving in-flight requests room to drain.
const qualityDegradedThreshold = 0.15

// qualitySampleInterval bounds how often sampleLocked() re-reads OS network
// counters; Admit calls between samples reuse the last computed ratio.
const qualitySampleInterval = 2 * time.Second

// qualityGate estimates network health from host-wide interface error
// counters and sheds load once it degrades past threshold.
type qualityGate struct {
	mu         sync.Mutex
	ewma       float64
	lastSample time.Time
	lastErrors uint64
	lastPackets uint64
}

func newQualityGate() *qualityGate {
	return &qualityGate{lastSample: time.Now()}
}

// allow reports whether a new request should be admitted given the
// current network quality estimate.
func (g *qualityGate) allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if time.Since(g.lastSample) >= qualitySampleInterval {
		g.sampleLocked()
	}
	return g.ewma < qualityDegradedThreshold
}

// sampleLocked reads aggregate interface counters and folds the
// error-to-packet ratio into the EWMA. Errors reading counters (e.g. in
// a sandboxed environment without /proc/net access) leave the estimate
// unchanged rather than failing requests.
func (g *qualityGate) sampleLocked() {
	g.lastSample = time.Now()

	counters, err := net.IOCounters(false)
	if err != nil || len(counters) == 0 {
		return
	}
	total := counters[0]

	deltaPackets := total.PacketsSent + total.PacketsRecv - g.lastPackets
	deltaErrors := total.Errin + total.Errout + total.Dropin + total.Dropout - g.lastErrors
	g.lastPackets = total.PacketsSent + total.PacketsRecv
	g.lastErrors = total.Errin + total.Errout + total.Dropin + total.Dropout

	if deltaPackets == 0 {
		return
	}
	ratio := float64(deltaErrors) / float64(deltaPackets)
	g.ewma = qualityEWMAAlpha*ratio + (1-qualityEWMAAlpha)*g.ewma
}
