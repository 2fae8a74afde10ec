package connectivity

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"agrichat-dispatch/config"
)

func testConfig(urls []string) config.ConnectivityConfig {
	return config.ConnectivityConfig{
		Enabled:           true,
		ProbeURLs:         urls,
		Interval:          20 * time.Millisecond,
		Timeout:           time.Second,
		DegradedThreshold: 500 * time.Millisecond,
		PoorThreshold:     2 * time.Second,
		HistorySize:       10,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestInitialStateOptimistic(t *testing.T) {
	o := NewObserver(testConfig(nil))
	snap := o.Current()
	if !snap.Connected() || snap.Quality != QualityGood {
		t.Fatalf("fresh observer should report connected/good, got %+v", snap)
	}
}

func TestProbeReachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD probe, got %s", r.Method)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	o := NewObserver(testConfig([]string{server.URL}))
	o.Start()
	defer o.Stop()

	waitFor(t, time.Second, func() bool {
		snap := o.Current()
		return snap.Connected() && snap.AvgLatency > 0
	})

	if got := o.Current().Quality; got != QualityGood {
		t.Fatalf("local probe should be good quality, got %s", got)
	}
}

func TestProbeUnreachable(t *testing.T) {
	// 立即关闭的服务器，探测必然失败
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	o := NewObserver(testConfig([]string{url}))
	ch := o.Subscribe()
	o.Start()
	defer o.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return !o.Current().Connected()
	})

	// 断开转换必须推送给订阅者
	select {
	case snap := <-ch:
		if snap.Connected() {
			t.Fatalf("expected disconnected notification, got %+v", snap)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification for disconnect transition")
	}
}

func TestAnyProbeSuccessMeansReachable(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer good.Close()

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	o := NewObserver(testConfig([]string{deadURL, good.URL}))
	o.Start()
	defer o.Stop()

	// 只要有一个探测点可达就算在线
	time.Sleep(100 * time.Millisecond)
	if !o.Current().Connected() {
		t.Fatal("one reachable probe URL should keep state connected")
	}
}

func TestQualityClassification(t *testing.T) {
	o := NewObserver(testConfig(nil))

	cases := []struct {
		name    string
		latency time.Duration
		want    Quality
	}{
		{"fast", 50 * time.Millisecond, QualityGood},
		{"slow", 800 * time.Millisecond, QualityDegraded},
		{"very slow", 3 * time.Second, QualityPoor},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o.mutex.Lock()
			o.current = Snapshot{State: StateConnected, Quality: QualityGood}
			o.mutex.Unlock()

			o.updateStatus(true, tc.latency)
			if got := o.Current().Quality; got != tc.want {
				t.Fatalf("latency %s: quality = %s, want %s", tc.latency, got, tc.want)
			}
		})
	}
}

func TestLatencySmoothing(t *testing.T) {
	o := NewObserver(testConfig(nil))

	o.updateStatus(true, time.Second)
	first := o.Current().AvgLatency
	if first != 1.0 {
		t.Fatalf("first sample should seed the average, got %f", first)
	}

	// EWMA: 0.3*2.0 + 0.7*1.0 = 1.3
	o.updateStatus(true, 2*time.Second)
	second := o.Current().AvgLatency
	if second < 1.29 || second > 1.31 {
		t.Fatalf("expected smoothed average ~1.3, got %f", second)
	}
}

func TestHistoryCapped(t *testing.T) {
	cfg := testConfig(nil)
	cfg.HistorySize = 3
	o := NewObserver(cfg)

	// 交替可达与不可达制造10次状态变化
	for i := 0; i < 10; i++ {
		o.updateStatus(i%2 == 0, 10*time.Millisecond)
	}

	history := o.History()
	if len(history) != 3 {
		t.Fatalf("history should be capped at 3, got %d", len(history))
	}
	// 淘汰最旧：最后一条应是最近的变化
	if history[len(history)-1].CheckedAt.Before(history[0].CheckedAt) {
		t.Fatal("history must be ordered oldest first")
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	o := NewObserver(testConfig(nil))

	ch1 := o.Subscribe()
	ch2 := o.Subscribe()

	o.updateStatus(false, 0)

	for _, ch := range []<-chan Snapshot{ch1, ch2} {
		select {
		case snap := <-ch:
			if snap.Connected() {
				t.Fatal("expected disconnect notification")
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber missed the transition")
		}
	}

	o.Unsubscribe(ch1)
	if _, open := <-ch1; open {
		t.Fatal("unsubscribed channel should be closed")
	}

	// 剩下的订阅者继续收到通知
	o.updateStatus(true, 10*time.Millisecond)
	select {
	case snap := <-ch2:
		if !snap.Connected() {
			t.Fatal("expected reconnect notification")
		}
	case <-time.After(time.Second):
		t.Fatal("remaining subscriber missed the transition")
	}
}
