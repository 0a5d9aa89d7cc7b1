package budget

import "time"

type (
	// rateWindow sums committed spend over a rolling window. Once the sum
	// exceeds the limit the window trips; it stays tripped until the sum
	// falls back under the limit.
	rateWindow struct {
		limit     float64
		window    time.Duration
		samples   []sample
		sum       float64
		trippedAt time.Time
	}

	sample struct {
		at     time.Time
		amount float64
	}
)

func newRateWindow(limit float64, window time.Duration) *rateWindow {
	return &rateWindow{limit: limit, window: window}
}

func (w *rateWindow) add(now time.Time, amount float64) {
	if amount <= 0 {
		return
	}
	w.evict(now)
	w.samples = append(w.samples, sample{at: now, amount: amount})
	w.sum += amount
	if w.sum > w.limit && w.trippedAt.IsZero() {
		w.trippedAt = now
	}
}

func (w *rateWindow) tripped(now time.Time) bool {
	w.evict(now)
	return !w.trippedAt.IsZero()
}

// blocks reports whether the window is tripped for a run registered at
// registeredAt. Runs registered up to the trip, parents and children alike,
// keep authorizing until they end, so a runaway tree is stopped by its
// ceilings or by ForceDeny rather than here. Any run registered after the
// trip is denied, including a child spawned by an older tree.
func (w *rateWindow) blocks(now, registeredAt time.Time) bool {
	if !w.tripped(now) {
		return false
	}
	return registeredAt.After(w.trippedAt)
}

func (w *rateWindow) evict(now time.Time) {
	cut := now.Add(-w.window)
	i := 0
	for i < len(w.samples) && !w.samples[i].at.After(cut) {
		w.sum -= w.samples[i].amount
		i++
	}
	w.samples = w.samples[i:]
	if w.sum < 0 {
		w.sum = 0
	}
	if w.sum <= w.limit {
		w.trippedAt = time.Time{}
	}
}
