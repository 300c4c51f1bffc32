package memmon

import (
	"math"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/prometheus/procfs"

	rcerrors "github.com/docforge/rescache/pkg/errors"
)

// ErrUnsupported is returned by samplers on hosts without memory
// introspection. The monitor disables itself when it sees it.
var ErrUnsupported = rcerrors.NewError(rcerrors.ErrCodeMemoryUnavailable, "memory introspection unavailable").
	WithComponent("memmon")

// MemorySample represents a memory usage sample
type MemorySample struct {
	UsedBytes  uint64    `json:"used_bytes"`
	TotalBytes uint64    `json:"total_bytes"`
	LimitBytes uint64    `json:"limit_bytes"`
	Timestamp  time.Time `json:"timestamp"`
}

// UsagePercent returns used/limit as a fraction, or 0 without a limit.
func (s MemorySample) UsagePercent() float64 {
	if s.LimitBytes == 0 {
		return 0
	}
	return float64(s.UsedBytes) / float64(s.LimitBytes)
}

// Sampler reads current memory usage.
type Sampler interface {
	Sample() (MemorySample, error)
}

// HostMemoryProber is implemented by samplers that can report the host's
// physical memory, used to classify constrained devices at startup.
type HostMemoryProber interface {
	HostMemoryBytes() (uint64, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func() (MemorySample, error)

// Sample implements Sampler.
func (f SamplerFunc) Sample() (MemorySample, error) {
	return f()
}

// RuntimeSampler samples the Go heap. The limit is the runtime soft memory
// limit when one is set, otherwise the host's MemTotal from /proc/meminfo.
type RuntimeSampler struct {
	fs    procfs.FS
	fsErr error

	readMemStats func(*runtime.MemStats)
	memoryLimit  func() int64
	now          func() time.Time
}

// NewRuntimeSampler creates a sampler backed by the Go runtime and procfs.
func NewRuntimeSampler() *RuntimeSampler {
	fs, err := procfs.NewDefaultFS()
	return &RuntimeSampler{
		fs:           fs,
		fsErr:        err,
		readMemStats: runtime.ReadMemStats,
		memoryLimit:  func() int64 { return debug.SetMemoryLimit(-1) },
		now:          time.Now,
	}
}

// Sample implements Sampler.
func (s *RuntimeSampler) Sample() (MemorySample, error) {
	var ms runtime.MemStats
	s.readMemStats(&ms)

	limit, err := s.limitBytes()
	if err != nil {
		return MemorySample{}, err
	}

	return MemorySample{
		UsedBytes:  ms.HeapAlloc,
		TotalBytes: ms.HeapSys,
		LimitBytes: limit,
		Timestamp:  s.now(),
	}, nil
}

// HostMemoryBytes implements HostMemoryProber.
func (s *RuntimeSampler) HostMemoryBytes() (uint64, error) {
	if s.fsErr != nil {
		return 0, rcerrors.Wrap(s.fsErr, rcerrors.ErrCodeMemoryUnavailable, "procfs unavailable").
			WithComponent("memmon")
	}

	info, err := s.fs.Meminfo()
	if err != nil {
		return 0, rcerrors.Wrap(err, rcerrors.ErrCodeMemoryUnavailable, "failed to read meminfo").
			WithComponent("memmon")
	}
	if info.MemTotal == nil {
		return 0, ErrUnsupported
	}
	return *info.MemTotal * 1024, nil
}

func (s *RuntimeSampler) limitBytes() (uint64, error) {
	if limit := s.memoryLimit(); limit > 0 && limit < math.MaxInt64 {
		return uint64(limit), nil
	}
	return s.HostMemoryBytes()
}
