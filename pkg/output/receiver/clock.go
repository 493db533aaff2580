// ABOUTME: Clock synchronization with drift compensation against the receiver
// ABOUTME: Tracks offset and drift from clock/time exchanges for the MicroPll feature
package receiver

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Quality represents sync quality
type Quality int

const (
	QualityGood Quality = iota
	QualityDegraded
	QualityLost
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityDegraded:
		return "degraded"
	}
	return "lost"
}

const (
	maxSyncRTT      = 100000 // μs
	degradedSyncRTT = 50000
	maxResidual     = 50000
	syncStaleAfter  = 5 * time.Second
)

// ClockSync estimates receiver clock offset and drift
type ClockSync struct {
	mu             sync.RWMutex
	offset         int64   // receiver - local, μs
	drift          float64 // μs/μs
	rtt            int64
	quality        Quality
	lastSync       time.Time
	lastSyncMicros int64 // local time of the last accepted sample
	sampleCount    int
	smoothingRate  float64
	log            *logrus.Entry
}

func NewClockSync() *ClockSync {
	return &ClockSync{
		smoothingRate: 0.1,
		quality:       QualityLost,
		log:           logrus.WithField("component", "receiver.clock"),
	}
}

// ProcessSyncResponse folds one exchange into the estimate. t1/t4 are local
// send/receive times, t2/t3 receiver receive/send times, all μs.
func (cs *ClockSync) ProcessSyncResponse(t1, t2, t3, t4 int64) {
	rtt, measuredOffset := calculateOffset(t1, t2, t3, t4)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.rtt = rtt
	cs.lastSync = time.Now()

	if rtt > maxSyncRTT {
		cs.log.Debugf("Discarding sync sample: high RTT %dμs", rtt)
		return
	}

	if cs.sampleCount == 0 {
		cs.offset = measuredOffset
		cs.lastSyncMicros = t4
		cs.sampleCount++
		cs.quality = QualityGood
		cs.log.Debugf("Initial sync: offset=%dμs, rtt=%dμs", cs.offset, rtt)
		return
	}

	dt := float64(t4 - cs.lastSyncMicros)
	if dt <= 0 {
		cs.log.Debugf("Discarding sync sample: non-monotonic time")
		return
	}

	if cs.sampleCount == 1 {
		cs.drift = float64(measuredOffset-cs.offset) / dt
		cs.offset = measuredOffset
		cs.lastSyncMicros = t4
		cs.sampleCount++
		cs.quality = QualityGood
		return
	}

	predictedOffset := cs.offset + int64(cs.drift*dt)
	residual := measuredOffset - predictedOffset
	if residual > maxResidual || residual < -maxResidual {
		cs.log.Debugf("Discarding sync sample: large residual %dμs", residual)
		return
	}

	// fixed-gain update of offset and drift
	cs.offset = predictedOffset + int64(cs.smoothingRate*float64(residual))
	cs.drift += cs.smoothingRate * float64(residual) / dt
	cs.lastSyncMicros = t4
	cs.sampleCount++

	if rtt < degradedSyncRTT {
		cs.quality = QualityGood
	} else {
		cs.quality = QualityDegraded
	}
}

// calculateOffset computes RTT and clock offset
func calculateOffset(t1, t2, t3, t4 int64) (rtt, offset int64) {
	rtt = (t4 - t1) - (t3 - t2)
	offset = ((t2 - t1) + (t3 - t4)) / 2
	return
}

// Stats returns offset and RTT in μs plus the current quality
func (cs *ClockSync) Stats() (offset, rtt int64, quality Quality) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.sampleCount > 0 && time.Since(cs.lastSync) > syncStaleAfter {
		cs.quality = QualityLost
	}
	return cs.offset, cs.rtt, cs.quality
}

// DriftPPM returns the estimated drift in parts per million
func (cs *ClockSync) DriftPPM() float64 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.drift * 1e6
}

// Samples returns how many exchanges have been accepted
func (cs *ClockSync) Samples() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.sampleCount
}

// Reset forgets every measurement
func (cs *ClockSync) Reset() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.offset, cs.drift, cs.rtt = 0, 0, 0
	cs.sampleCount = 0
	cs.lastSyncMicros = 0
	cs.quality = QualityLost
}

// nowMicros returns local Unix time in microseconds
func nowMicros() int64 {
	return time.Now().UnixMicro()
}
