package ddosguard

import (
	"sort"
	"sync"
	"time"
)

// RateStatus is the outcome of recording one request against a client's
// sliding window. Count includes the request just recorded.
type RateStatus struct {
	ClientID          string    `json:"client_id"`
	Allowed           bool      `json:"allowed"`
	Count             int       `json:"count"`
	Threshold         int       `json:"threshold"`
	ThresholdFraction float64   `json:"threshold_fraction"`
	SuspicionLevel    int       `json:"suspicion_level"`
	Blocked           bool      `json:"blocked"`
	Timestamp         time.Time `json:"timestamp"`
}

// SuspiciousClient is one row of the suspicion report.
type SuspiciousClient struct {
	ClientID       string `json:"client_id"`
	SuspicionLevel int    `json:"suspicion_level"`
	RequestCount   int    `json:"request_count"`
	Blocked        bool   `json:"blocked"`
}

// DistributedAttackReport aggregates the cross-client attack signal.
type DistributedAttackReport struct {
	Detected        bool      `json:"is_distributed_attack"`
	Confidence      float64   `json:"confidence"`
	ActiveClients   int       `json:"active_clients"`
	HighRateClients int       `json:"high_rate_clients"`
	TotalRequests   int       `json:"total_requests"`
	Window          int       `json:"window_size"`
	Timestamp       time.Time `json:"timestamp"`
}

type clientWindow struct {
	timestamps []time.Time
	suspicion  int
}

type blockEntry struct {
	start    time.Time
	duration time.Duration
}

func (b blockEntry) active(now time.Time) bool {
	return now.Sub(b.start) < b.duration
}

const maxSuspicionLevel = 5

// SlidingWindowLimiter tracks per-client request timestamps over a rolling
// window and maintains a 0..5 suspicion level per client. Suspicion rises
// fast (+2 over threshold) and decays slowly (-1 under light load), which is
// the pipeline's hysteresis mechanism.
type SlidingWindowLimiter struct {
	window    time.Duration
	threshold int

	// sub-thresholds derived once from threshold, integer-truncated
	suspiciousThreshold int
	warningThreshold    int

	mu      sync.Mutex
	clients map[string]*clientWindow
	blocked map[string]blockEntry

	now func() time.Time
}

// NewSlidingWindowLimiter creates a limiter with the given window length and
// request threshold. Non-positive arguments fall back to 60s / 30 requests.
func NewSlidingWindowLimiter(window time.Duration, threshold int) *SlidingWindowLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if threshold <= 0 {
		threshold = 30
	}
	return &SlidingWindowLimiter{
		window:              window,
		threshold:           threshold,
		suspiciousThreshold: int(float64(threshold) * 0.7),
		warningThreshold:    int(float64(threshold) * 0.5),
		clients:             make(map[string]*clientWindow),
		blocked:             make(map[string]blockEntry),
		now:                 time.Now,
	}
}

// Record registers one request for the client and evaluates it against the
// window. A blocked client is rejected without touching its window. The
// request that tips the count over the threshold is itself disallowed but
// still occupies a window slot.
func (l *SlidingWindowLimiter) Record(clientID string) RateStatus {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.blocked[clientID]; ok {
		if entry.active(now) {
			return RateStatus{
				ClientID:          clientID,
				Allowed:           false,
				Threshold:         l.threshold,
				ThresholdFraction: 1.0,
				SuspicionLevel:    l.suspicionLocked(clientID),
				Blocked:           true,
				Timestamp:         now,
			}
		}
		delete(l.blocked, clientID)
	}

	cw, ok := l.clients[clientID]
	if !ok {
		cw = &clientWindow{}
		l.clients[clientID] = cw
	}

	cutoff := now.Add(-l.window)
	cw.timestamps = pruneBefore(cw.timestamps, cutoff)

	// Suspicion is adjusted on the window count before the current request
	// lands, in this priority order; at most one branch fires.
	prior := len(cw.timestamps)
	switch {
	case prior >= l.threshold:
		cw.suspicion = minInt(maxSuspicionLevel, cw.suspicion+2)
	case prior >= l.suspiciousThreshold:
		cw.suspicion = minInt(maxSuspicionLevel, cw.suspicion+1)
	case prior <= l.warningThreshold:
		cw.suspicion = maxInt(0, cw.suspicion-1)
	}

	cw.timestamps = append(cw.timestamps, now)
	count := len(cw.timestamps)

	return RateStatus{
		ClientID:          clientID,
		Allowed:           count <= l.threshold,
		Count:             count,
		Threshold:         l.threshold,
		ThresholdFraction: float64(prior) / float64(l.threshold),
		SuspicionLevel:    cw.suspicion,
		Timestamp:         now,
	}
}

// IsBlocked reports whether the client has an unexpired block; an expired
// entry is removed on the way out.
func (l *SlidingWindowLimiter) IsBlocked(clientID string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.blocked[clientID]
	if !ok {
		return false
	}
	if !entry.active(now) {
		delete(l.blocked, clientID)
		return false
	}
	return true
}

// Block rejects the client for the given duration and clears its window so
// the backlog does not feed the next evaluation after release.
func (l *SlidingWindowLimiter) Block(clientID string, duration time.Duration) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.blocked[clientID] = blockEntry{start: now, duration: duration}
	if cw, ok := l.clients[clientID]; ok {
		cw.timestamps = nil
	}
}

// Unblock drops any block entry for the client.
func (l *SlidingWindowLimiter) Unblock(clientID string) {
	l.mu.Lock()
	delete(l.blocked, clientID)
	l.mu.Unlock()
}

// Suspicion returns the client's current suspicion level.
func (l *SlidingWindowLimiter) Suspicion(clientID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.suspicionLocked(clientID)
}

func (l *SlidingWindowLimiter) suspicionLocked(clientID string) int {
	if cw, ok := l.clients[clientID]; ok {
		return cw.suspicion
	}
	return 0
}

// SuspiciousClients lists clients at or above minLevel, highest first.
func (l *SlidingWindowLimiter) SuspiciousClients(minLevel int) []SuspiciousClient {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []SuspiciousClient
	for id, cw := range l.clients {
		if cw.suspicion < minLevel {
			continue
		}
		entry, blocked := l.blocked[id]
		out = append(out, SuspiciousClient{
			ClientID:       id,
			SuspicionLevel: cw.suspicion,
			RequestCount:   countSince(cw.timestamps, now.Add(-l.window)),
			Blocked:        blocked && entry.active(now),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SuspicionLevel != out[j].SuspicionLevel {
			return out[i].SuspicionLevel > out[j].SuspicionLevel
		}
		return out[i].ClientID < out[j].ClientID
	})
	return out
}

// DistributedAttack evaluates the cross-client signal over the given window:
// more than 10 active clients of which more than 5 are at high rate.
func (l *SlidingWindowLimiter) DistributedAttack(window time.Duration) DistributedAttackReport {
	now := l.now()
	cutoff := now.Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	var active, highRate, total int
	for _, cw := range l.clients {
		recent := countSince(cw.timestamps, cutoff)
		if recent == 0 {
			continue
		}
		active++
		total += recent
		if recent >= l.suspiciousThreshold {
			highRate++
		}
	}

	confidence := 0.1*float64(highRate) + 0.02*float64(active)
	if confidence > 0.95 {
		confidence = 0.95
	}

	return DistributedAttackReport{
		Detected:        active > 10 && highRate > 5,
		Confidence:      confidence,
		ActiveClients:   active,
		HighRateClients: highRate,
		TotalRequests:   total,
		Window:          int(window.Seconds()),
		Timestamp:       now,
	}
}

// Sweep evicts clients with no recent activity and no residual suspicion,
// and drops expired block entries. Keeps the client map bounded under high
// client cardinality.
func (l *SlidingWindowLimiter) Sweep() int {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for id, cw := range l.clients {
		cw.timestamps = pruneBefore(cw.timestamps, cutoff)
		if len(cw.timestamps) == 0 && cw.suspicion == 0 {
			delete(l.clients, id)
			evicted++
		}
	}
	for id, entry := range l.blocked {
		if !entry.active(now) {
			delete(l.blocked, id)
		}
	}
	return evicted
}

// TrackedClients returns the number of clients currently held in memory.
func (l *SlidingWindowLimiter) TrackedClients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func pruneBefore(timestamps []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(timestamps) && timestamps[idx].Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return timestamps
	}
	// Shift survivors to the front so the dead prefix is not pinned by the
	// backing array.
	n := copy(timestamps, timestamps[idx:])
	return timestamps[:n]
}

func countSince(timestamps []time.Time, cutoff time.Time) int {
	count := 0
	for i := len(timestamps) - 1; i >= 0; i-- {
		if timestamps[i].Before(cutoff) {
			break
		}
		count++
	}
	return count
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
