package consolidate

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/keepsake-ai/keepsake/internal/logging"
)

// IdleWatcher samples system CPU and decides when the host is quiet
// enough to run consolidation. The host counts as idle once every sample
// in a sliding window sits below the threshold; a single busy sample
// resets the window.
type IdleWatcher struct {
	mu sync.Mutex

	threshold    float64       // CPU % below which a sample counts as idle
	window       time.Duration // how long samples must stay below threshold
	pollInterval time.Duration

	samples   []sample
	idleSince time.Time // zero while any recent sample was busy

	sampleFn func() (float64, error)
	stopChan chan struct{}
	stopOnce sync.Once
	running  bool
}

type sample struct {
	at  time.Time
	pct float64
}

// NewIdleWatcher creates a watcher with the given threshold, sustain
// window, and poll interval.
func NewIdleWatcher(threshold float64, window, pollInterval time.Duration) *IdleWatcher {
	return &IdleWatcher{
		threshold:    threshold,
		window:       window,
		pollInterval: pollInterval,
		sampleFn:     systemCPUPercent,
		stopChan:     make(chan struct{}),
	}
}

func systemCPUPercent() (float64, error) {
	// Percent with a zero interval compares against the previous call, so
	// successive polls measure the gap between them.
	pcts, err := cpu.Percent(0, false)
	if err != nil || len(pcts) == 0 {
		return 0, err
	}
	return pcts[0], nil
}

// Start begins sampling in the background.
func (w *IdleWatcher) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	go w.loop()
	logging.Info("cpuidle", "watching (idle<%.0f%%, window=%v, poll=%v)",
		w.threshold, w.window, w.pollInterval)
}

// Stop halts sampling.
func (w *IdleWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
}

func (w *IdleWatcher) loop() {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.poll(time.Now())
	for {
		select {
		case <-w.stopChan:
			return
		case t := <-ticker.C:
			w.poll(t)
		}
	}
}

func (w *IdleWatcher) poll(now time.Time) {
	pct, err := w.sampleFn()
	if err != nil {
		logging.Debug("cpuidle", "sample failed: %v", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples = append(w.samples, sample{at: now, pct: pct})
	cutoff := now.Add(-w.window)
	for len(w.samples) > 0 && w.samples[0].at.Before(cutoff) {
		w.samples = w.samples[1:]
	}

	if pct >= w.threshold {
		w.idleSince = time.Time{}
		return
	}
	if w.idleSince.IsZero() {
		w.idleSince = now
	}
}

// Idle reports whether CPU has stayed below the threshold for the full
// window. Before enough history accumulates it reports false, so a fresh
// process never fires straight into a busy host.
func (w *IdleWatcher) Idle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.idleSince.IsZero() {
		return false
	}
	return time.Since(w.idleSince) >= w.window
}

// ForceIdle bypasses detection; used by the manual CLI path.
func (w *IdleWatcher) ForceIdle() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.idleSince = time.Now().Add(-w.window)
}
