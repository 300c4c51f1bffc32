package s3

import (
	"sync"
	"time"
)

// StoreMetrics tracks S3 content store request metrics
type StoreMetrics struct {
	Requests        int64         `json:"requests"`
	Errors          int64         `json:"errors"`
	BytesUploaded   int64         `json:"bytes_uploaded"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	AverageLatency  time.Duration `json:"average_latency"`
	LastError       string        `json:"last_error"`
	LastErrorTime   time.Time     `json:"last_error_time"`

	// Uploads that fell back from the optimized path to PutObject.
	UploadFallbacks int64 `json:"upload_fallbacks"`
}

type metricsCollector struct {
	mu      sync.Mutex
	metrics StoreMetrics
}

func (mc *metricsCollector) recordRequest(duration time.Duration, err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.metrics.Requests++
	if err != nil {
		mc.metrics.Errors++
		mc.metrics.LastError = err.Error()
		mc.metrics.LastErrorTime = time.Now()
	}

	// Rolling average, weighted towards history
	if mc.metrics.Requests == 1 {
		mc.metrics.AverageLatency = duration
	} else {
		mc.metrics.AverageLatency = time.Duration(
			(int64(mc.metrics.AverageLatency)*9 + int64(duration)) / 10,
		)
	}
}

func (mc *metricsCollector) addDownloaded(n int) {
	mc.mu.Lock()
	mc.metrics.BytesDownloaded += int64(n)
	mc.mu.Unlock()
}

func (mc *metricsCollector) addUploaded(n int) {
	mc.mu.Lock()
	mc.metrics.BytesUploaded += int64(n)
	mc.mu.Unlock()
}

func (mc *metricsCollector) addFallback() {
	mc.mu.Lock()
	mc.metrics.UploadFallbacks++
	mc.mu.Unlock()
}

func (mc *metricsCollector) snapshot() StoreMetrics {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.metrics
}
