package memmon

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docforge/rescache/internal/config"
	rcerrors "github.com/docforge/rescache/pkg/errors"
)

type fakeReclaimer struct {
	cleanups  int32
	lowMemory int32
	limits    *config.Limits
}

func (r *fakeReclaimer) PerformCleanup() { atomic.AddInt32(&r.cleanups, 1) }

func (r *fakeReclaimer) EnableLowMemoryMode() bool {
	atomic.AddInt32(&r.lowMemory, 1)
	if r.limits != nil {
		return r.limits.EnterLowMemory()
	}
	return true
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []map[string]interface{}
}

func (r *fakeRecorder) Record(metricType string, data map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if metricType == MetricType {
		r.records = append(r.records, data)
	}
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

type probingSampler struct {
	SamplerFunc
	hostBytes uint64
	hostErr   error
}

func (p probingSampler) HostMemoryBytes() (uint64, error) { return p.hostBytes, p.hostErr }

func fixedSampler(used, limit uint64) SamplerFunc {
	return func() (MemorySample, error) {
		return MemorySample{UsedBytes: used, TotalBytes: used, LimitBytes: limit, Timestamp: time.Now()}, nil
	}
}

func fastLimits(interval time.Duration) *config.Limits {
	cfg := config.NewDefault()
	cfg.Monitor.MemoryCheckInterval = interval
	return config.NewLimits(cfg)
}

func TestMemorySample_UsagePercent(t *testing.T) {
	assert.Equal(t, 0.5, MemorySample{UsedBytes: 50, LimitBytes: 100}.UsagePercent())
	assert.Equal(t, 0.0, MemorySample{UsedBytes: 50}.UsagePercent())
}

func TestMonitor_ThresholdTriggersCleanup(t *testing.T) {
	tests := []struct {
		name     string
		used     uint64
		wantHits int32
	}{
		{"below threshold", 80, 0},
		{"above threshold", 81, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reclaimer := &fakeReclaimer{}
			recorder := &fakeRecorder{}
			m := NewMonitor(fixedSampler(tt.used, 100), nil, recorder, reclaimer, MonitorConfig{})

			sample, err := m.ForceSample()
			require.NoError(t, err)
			assert.Equal(t, tt.used, sample.UsedBytes)
			assert.Equal(t, tt.wantHits, atomic.LoadInt32(&reclaimer.cleanups))
			assert.Equal(t, 1, recorder.count())
		})
	}
}

func TestMonitor_RingKeepsNewestSamples(t *testing.T) {
	var n uint64
	sampler := SamplerFunc(func() (MemorySample, error) {
		n++
		return MemorySample{UsedBytes: n, LimitBytes: 1000}, nil
	})
	m := NewMonitor(sampler, nil, nil, nil, MonitorConfig{})

	for i := 0; i < 150; i++ {
		_, err := m.ForceSample()
		require.NoError(t, err)
	}

	samples := m.Samples()
	require.Len(t, samples, 100)
	assert.Equal(t, uint64(51), samples[0].UsedBytes)

	latest, ok := m.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(150), latest.UsedBytes)
}

func TestMonitor_Stats(t *testing.T) {
	values := []uint64{10, 20, 30, 40}
	i := 0
	sampler := SamplerFunc(func() (MemorySample, error) {
		v := values[i]
		i++
		return MemorySample{UsedBytes: v, LimitBytes: 100}, nil
	})
	m := NewMonitor(sampler, nil, nil, nil, MonitorConfig{})
	assert.Equal(t, WindowStats{}, m.Stats(10))

	for range values {
		_, err := m.ForceSample()
		require.NoError(t, err)
	}

	stats := m.Stats(2)
	assert.Equal(t, 2, stats.Count)
	assert.InDelta(t, 0.35, stats.Average, 1e-9)
	assert.InDelta(t, 0.4, stats.Max, 1e-9)

	all := m.Stats(10)
	assert.Equal(t, 4, all.Count)
	assert.InDelta(t, 0.25, all.Average, 1e-9)
}

func TestMonitor_UnsupportedHostBecomesNoop(t *testing.T) {
	var calls int32
	sampler := SamplerFunc(func() (MemorySample, error) {
		atomic.AddInt32(&calls, 1)
		return MemorySample{}, ErrUnsupported
	})
	reclaimer := &fakeReclaimer{}
	m := NewMonitor(sampler, fastLimits(5*time.Millisecond), nil, reclaimer, MonitorConfig{})

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	assert.Eventually(t, func() bool { return !m.Enabled() }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Zero(t, atomic.LoadInt32(&reclaimer.cleanups))

	_, err := m.ForceSample()
	assert.True(t, errors.Is(err, ErrUnsupported))
}

func TestMonitor_OnDisable(t *testing.T) {
	var disabled int32
	sampler := SamplerFunc(func() (MemorySample, error) {
		return MemorySample{}, ErrUnsupported
	})
	m := NewMonitor(sampler, fastLimits(5*time.Millisecond), nil, nil, MonitorConfig{
		OnDisable: func() { atomic.AddInt32(&disabled, 1) },
	})

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&disabled) == 1 }, time.Second, 5*time.Millisecond)
	_, _ = m.ForceSample()
	assert.Equal(t, int32(1), atomic.LoadInt32(&disabled))
}

func TestMonitor_OnDisableWithoutSampler(t *testing.T) {
	var disabled int32
	m := NewMonitor(nil, fastLimits(time.Hour), nil, nil, MonitorConfig{
		OnDisable: func() { atomic.AddInt32(&disabled, 1) },
	})

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Stop())
	assert.Equal(t, int32(1), atomic.LoadInt32(&disabled))
}

func TestMonitor_RestartAfterStop(t *testing.T) {
	var calls int32
	sampler := SamplerFunc(func() (MemorySample, error) {
		atomic.AddInt32(&calls, 1)
		return MemorySample{UsedBytes: 1, LimitBytes: 10}, nil
	})
	m := NewMonitor(sampler, fastLimits(5*time.Millisecond), nil, nil, MonitorConfig{})

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())

	before := atomic.LoadInt32(&calls)
	require.NoError(t, m.Start(context.Background()))
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) > before }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Stop())
}

func TestMonitor_TransientErrorsKeepSampling(t *testing.T) {
	var calls int32
	sampler := SamplerFunc(func() (MemorySample, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return MemorySample{}, errors.New("transient")
		}
		return MemorySample{UsedBytes: 1, LimitBytes: 10}, nil
	})
	m := NewMonitor(sampler, fastLimits(5*time.Millisecond), nil, nil, MonitorConfig{})

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	assert.Eventually(t, func() bool { return len(m.Samples()) >= 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, m.Enabled())
}

func TestMonitor_RecoversFromPanics(t *testing.T) {
	var calls int32
	sampler := SamplerFunc(func() (MemorySample, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("sampler exploded")
		}
		return MemorySample{UsedBytes: 1, LimitBytes: 10}, nil
	})
	m := NewMonitor(sampler, fastLimits(5*time.Millisecond), nil, nil, MonitorConfig{})

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	assert.Eventually(t, func() bool { return len(m.Samples()) >= 1 }, time.Second, 5*time.Millisecond)
}

func TestMonitor_DeviceClassProbe(t *testing.T) {
	tests := []struct {
		name    string
		sampler Sampler
		force   bool
		want    int32
	}{
		{"small host", probingSampler{SamplerFunc: fixedSampler(1, 10), hostBytes: 2 << 30}, false, 1},
		{"large host", probingSampler{SamplerFunc: fixedSampler(1, 10), hostBytes: 16 << 30}, false, 0},
		{"probe error", probingSampler{SamplerFunc: fixedSampler(1, 10), hostErr: ErrUnsupported}, false, 0},
		{"no prober", fixedSampler(1, 10), false, 0},
		{"forced", fixedSampler(1, 10), true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reclaimer := &fakeReclaimer{}
			m := NewMonitor(tt.sampler, fastLimits(time.Hour), nil, reclaimer, MonitorConfig{ForceLowMemory: tt.force})

			require.NoError(t, m.Start(context.Background()))
			defer m.Stop()

			assert.Equal(t, tt.want, atomic.LoadInt32(&reclaimer.lowMemory))
		})
	}
}

func TestMonitor_StartTwice(t *testing.T) {
	m := NewMonitor(fixedSampler(1, 10), fastLimits(time.Hour), nil, nil, MonitorConfig{})

	require.NoError(t, m.Start(context.Background()))
	err := m.Start(context.Background())
	assert.True(t, rcerrors.HasCode(err, rcerrors.ErrCodeAlreadyStarted))

	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
}

func TestMonitor_OnSample(t *testing.T) {
	var got MemorySample
	m := NewMonitor(fixedSampler(3, 12), nil, nil, nil, MonitorConfig{
		OnSample: func(s MemorySample) { got = s },
	})

	_, err := m.ForceSample()
	require.NoError(t, err)
	assert.Equal(t, 0.25, got.UsagePercent())
}

func TestRuntimeSampler_UsesMemoryLimit(t *testing.T) {
	s := NewRuntimeSampler()
	s.memoryLimit = func() int64 { return 256 << 20 }
	s.readMemStats = func(ms *runtime.MemStats) {
		ms.HeapAlloc = 64 << 20
		ms.HeapSys = 128 << 20
	}

	sample, err := s.Sample()
	require.NoError(t, err)
	assert.Equal(t, uint64(64<<20), sample.UsedBytes)
	assert.Equal(t, uint64(128<<20), sample.TotalBytes)
	assert.Equal(t, uint64(256<<20), sample.LimitBytes)
	assert.Equal(t, 0.25, sample.UsagePercent())
}

func TestRuntimeSampler_NoProcfs(t *testing.T) {
	s := NewRuntimeSampler()
	s.fsErr = errors.New("no /proc")
	s.memoryLimit = func() int64 { return 1<<63 - 1 }

	_, err := s.Sample()
	require.Error(t, err)
	assert.True(t, rcerrors.HasCode(err, rcerrors.ErrCodeMemoryUnavailable))
}
