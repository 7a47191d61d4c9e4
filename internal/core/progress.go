package core

import (
	"sync"
	"time"
)

// BroadcastCapacity is the channel buffer handed to every subscriber.
const BroadcastCapacity = 64

// ProgressUpdate is one tick on the bus.
type ProgressUpdate struct {
	ID               string
	BytesTransferred int64
	ExpectedSize     *int64
	SpeedBps         *float64
	TimestampMillis  int64
}

// rateEstimator tracks per-task throughput. The download variant is a
// plain delta-over-elapsed; the upload variant smooths a sliding window.
type rateEstimator struct {
	mu        sync.Mutex
	upload    bool
	lastBytes int64
	lastTime  time.Time
	lastEmit  time.Time
	window    []sample
	smoothed  float64
	haveRate  bool
}

type sample struct {
	at    time.Time
	bytes int64
}

func newRateEstimator(upload bool) *rateEstimator {
	return &rateEstimator{upload: upload}
}

// sample records a new (timestamp, cumulative bytes) observation and
// returns the currently-reportable rate, or nil if none can yet be
// computed.
func (r *rateEstimator) sample(now time.Time, bytes int64) *float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lastTime.IsZero() {
		r.lastTime = now
		r.lastBytes = bytes
		r.window = append(r.window, sample{now, bytes})
		return nil
	}

	if !r.upload {
		elapsed := now.Sub(r.lastTime).Seconds()
		delta := bytes - r.lastBytes
		r.lastTime = now
		r.lastBytes = bytes
		if elapsed <= 0 {
			if r.haveRate {
				return floatPtr(r.smoothed)
			}
			return nil
		}
		rate := float64(delta) / elapsed
		r.smoothed = rate
		r.haveRate = true
		return floatPtr(rate)
	}

	// upload: sliding 5s window, at most one publish per 200ms
	if !r.lastEmit.IsZero() && now.Sub(r.lastEmit) < 200*time.Millisecond {
		if r.haveRate {
			return floatPtr(r.smoothed)
		}
		return nil
	}

	r.window = append(r.window, sample{now, bytes})
	cutoff := now.Add(-5 * time.Second)
	i := 0
	for i < len(r.window) && r.window[i].at.Before(cutoff) {
		i++
	}
	r.window = r.window[i:]

	instantElapsed := now.Sub(r.lastTime).Seconds()
	instant := 0.0
	if instantElapsed > 0 {
		instant = float64(bytes-r.lastBytes) / instantElapsed
	}
	r.lastTime = now
	r.lastBytes = bytes
	r.lastEmit = now

	windowAvg := instant
	if len(r.window) >= 2 {
		first, last := r.window[0], r.window[len(r.window)-1]
		span := last.at.Sub(first.at).Seconds()
		if span > 0 {
			windowAvg = float64(last.bytes-first.bytes) / span
		}
	}

	blended := windowAvg
	if 0.6*instant > blended {
		blended = 0.6 * instant
	}

	if r.haveRate {
		r.smoothed = 0.5*blended + 0.5*r.smoothed
	} else {
		r.smoothed = blended
		r.haveRate = true
	}
	return floatPtr(r.smoothed)
}

func floatPtr(f float64) *float64 { return &f }

// ProgressBus fans progress ticks out to bounded, lossy subscriber
// channels and maintains one rate estimator per task.
type ProgressBus struct {
	mu          sync.Mutex
	subscribers map[int]chan ProgressUpdate
	nextSub     int
	estimators  map[string]*rateEstimator
	upload      bool
}

func NewProgressBus(upload bool) *ProgressBus {
	return &ProgressBus{
		subscribers: make(map[int]chan ProgressUpdate),
		estimators:  make(map[string]*rateEstimator),
		upload:      upload,
	}
}

// Subscribe registers a new bounded channel and immediately emits snapshot
// as one update per currently-active task so the new subscriber can render
// state without waiting for the next tick.
func (b *ProgressBus) Subscribe(snapshot []ProgressUpdate) (int, <-chan ProgressUpdate) {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	ch := make(chan ProgressUpdate, BroadcastCapacity)
	b.subscribers[id] = ch
	b.mu.Unlock()

	for _, u := range snapshot {
		select {
		case ch <- u:
		default:
		}
	}
	return id, ch
}

func (b *ProgressBus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Publish records a byte-count sample for id, computes its rate, and
// broadcasts the resulting update to every live subscriber. Full channels
// are left untouched: the newer value is dropped, not queued.
func (b *ProgressBus) Publish(id string, bytesTransferred int64, expectedSize *int64, now time.Time) ProgressUpdate {
	b.mu.Lock()
	est, ok := b.estimators[id]
	if !ok {
		est = newRateEstimator(b.upload)
		b.estimators[id] = est
	}
	subs := make([]chan ProgressUpdate, 0, len(b.subscribers))
	for _, ch := range b.subscribers {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	rate := est.sample(now, bytesTransferred)
	update := ProgressUpdate{
		ID:               id,
		BytesTransferred: bytesTransferred,
		ExpectedSize:     expectedSize,
		SpeedBps:         rate,
		TimestampMillis:  now.UnixMilli(),
	}

	for _, ch := range subs {
		select {
		case ch <- update:
		default:
		}
	}
	return update
}

// Drop removes a task's rate estimator state, called on terminal
// transition and on remove.
func (b *ProgressBus) Drop(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.estimators, id)
}
