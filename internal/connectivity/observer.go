// Package connectivity 跟踪到外部网络的实时可达性和粗粒度质量分级
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"agrichat-dispatch/config"
)

// State represents network reachability.
type State int

const (
	StateDisconnected State = iota
	StateConnected
)

func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

// Quality is a coarse classification derived from probe latency.
type Quality int

const (
	QualityGood Quality = iota
	QualityDegraded
	QualityPoor
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityDegraded:
		return "degraded"
	default:
		return "poor"
	}
}

// Snapshot is a point-in-time view of connectivity status.
type Snapshot struct {
	State      State     `json:"state"`
	Quality    Quality   `json:"quality"`
	AvgLatency float64   `json:"avg_latency"` // rolling average, seconds
	CheckedAt  time.Time `json:"checked_at"`
}

// Connected reports whether the snapshot indicates a live network.
func (s Snapshot) Connected() bool {
	return s.State == StateConnected
}

// Observer runs a background probe loop and exposes the current status
// plus a stream of status-change events.
type Observer struct {
	cfg    config.ConnectivityConfig
	client *http.Client
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mutex   sync.RWMutex
	current Snapshot
	history []Snapshot // 容量固定，最旧的先淘汰

	subscribers []chan Snapshot
	subMutex    sync.RWMutex
}

// NewObserver creates a connectivity observer. Start must be called to
// begin probing; until the first probe completes the status is
// connected/good (optimistic, matching a freshly launched client).
func NewObserver(cfg config.ConnectivityConfig) *Observer {
	ctx, cancel := context.WithCancel(context.Background())

	return &Observer{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		ctx:    ctx,
		cancel: cancel,
		current: Snapshot{
			State:     StateConnected,
			Quality:   QualityGood,
			CheckedAt: time.Now(),
		},
	}
}

// Start launches the background probe loop.
func (o *Observer) Start() {
	if !o.cfg.Enabled || len(o.cfg.ProbeURLs) == 0 {
		slog.Info("🛰️ [连通性] 探测未启用，状态固定为connected")
		return
	}
	o.wg.Add(1)
	go o.probeLoop()
}

// Stop terminates the probe loop and waits for it to exit.
func (o *Observer) Stop() {
	o.cancel()
	o.wg.Wait()
}

// Current returns the latest status snapshot. Never blocks.
func (o *Observer) Current() Snapshot {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	return o.current
}

// History returns a copy of the capped status-change history, oldest first.
func (o *Observer) History() []Snapshot {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	out := make([]Snapshot, len(o.history))
	copy(out, o.history)
	return out
}

// Subscribe registers a new status-change subscriber. The returned channel
// receives every subsequent change until Unsubscribe is called. Multiple
// subscribers attach and detach independently.
func (o *Observer) Subscribe() <-chan Snapshot {
	ch := make(chan Snapshot, 8)
	o.subMutex.Lock()
	o.subscribers = append(o.subscribers, ch)
	o.subMutex.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (o *Observer) Unsubscribe(ch <-chan Snapshot) {
	o.subMutex.Lock()
	defer o.subMutex.Unlock()
	for i, sub := range o.subscribers {
		if sub == ch {
			o.subscribers = append(o.subscribers[:i], o.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

// probeLoop runs periodic probes until the observer is stopped.
func (o *Observer) probeLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	// Initial probe
	o.probe()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.probe()
		}
	}
}

// probe hits every probe URL concurrently; the network counts as reachable
// when any probe succeeds, and latency is the fastest successful probe.
func (o *Observer) probe() {
	type result struct {
		ok      bool
		latency time.Duration
	}

	results := make(chan result, len(o.cfg.ProbeURLs))
	var wg sync.WaitGroup

	for _, url := range o.cfg.ProbeURLs {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			start := time.Now()

			req, err := http.NewRequestWithContext(o.ctx, http.MethodHead, url, nil)
			if err != nil {
				results <- result{}
				return
			}
			resp, err := o.client.Do(req)
			if err != nil {
				results <- result{}
				return
			}
			resp.Body.Close()
			// 任何HTTP响应都证明网络可达，状态码留给上层分类
			results <- result{ok: true, latency: time.Since(start)}
		}(url)
	}

	wg.Wait()
	close(results)

	reachable := false
	best := time.Duration(0)
	for r := range results {
		if r.ok && (!reachable || r.latency < best) {
			reachable = true
			best = r.latency
		}
	}

	o.updateStatus(reachable, best)
}

// updateStatus folds a probe result into the rolling state.
func (o *Observer) updateStatus(reachable bool, latency time.Duration) {
	o.mutex.Lock()

	prev := o.current
	next := Snapshot{CheckedAt: time.Now()}

	if reachable {
		next.State = StateConnected

		// 指数滑动平均，权重0.3
		sample := latency.Seconds()
		if prev.AvgLatency == 0 {
			next.AvgLatency = sample
		} else {
			next.AvgLatency = 0.3*sample + 0.7*prev.AvgLatency
		}

		avg := time.Duration(next.AvgLatency * float64(time.Second))
		switch {
		case avg >= o.cfg.PoorThreshold:
			next.Quality = QualityPoor
		case avg >= o.cfg.DegradedThreshold:
			next.Quality = QualityDegraded
		default:
			next.Quality = QualityGood
		}
	} else {
		next.State = StateDisconnected
		next.Quality = QualityPoor
		next.AvgLatency = prev.AvgLatency
	}

	o.current = next

	changed := next.State != prev.State || next.Quality != prev.Quality
	if changed {
		o.history = append(o.history, next)
		if len(o.history) > o.cfg.HistorySize {
			o.history = o.history[len(o.history)-o.cfg.HistorySize:]
		}
	}

	o.mutex.Unlock()

	if changed {
		if next.State != prev.State {
			if next.Connected() {
				slog.Info(fmt.Sprintf("🛰️ [连通性] 网络已恢复 - 质量: %s, 平均延迟: %.0fms", next.Quality, next.AvgLatency*1000))
			} else {
				slog.Warn("🛰️ [连通性] 网络已断开")
			}
		} else {
			slog.Info(fmt.Sprintf("🛰️ [连通性] 网络质量变化: %s -> %s (平均延迟: %.0fms)", prev.Quality, next.Quality, next.AvgLatency*1000))
		}
		o.notifySubscribers(next)
	}
}

// notifySubscribers fans the snapshot out to all subscribers without blocking.
func (o *Observer) notifySubscribers(snap Snapshot) {
	o.subMutex.RLock()
	defer o.subMutex.RUnlock()
	for _, ch := range o.subscribers {
		select {
		case ch <- snap:
		default:
			// 订阅者处理过慢时丢弃，订阅方总能用Current()补读
		}
	}
}
