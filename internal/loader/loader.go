// Package loader loads placeholder content the first time it becomes
// visible. Each placeholder moves Pending -> Loading -> Loaded|Failed exactly
// once; the Loading transition is recorded under the loader mutex before the
// load goroutine starts, so duplicate signals can never start a second load.
package loader

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"sort"
	"sync"
	"time"

	"github.com/docforge/rescache/internal/cache"
	rcerrors "github.com/docforge/rescache/pkg/errors"
	"github.com/docforge/rescache/pkg/retry"
	"github.com/docforge/rescache/pkg/utils"
)

// MetricType is the aggregator type load results are recorded under.
const MetricType = "load"

// DefaultMarginPx is the visibility margin used when none is configured.
const DefaultMarginPx = 50

// Cache is the read-through cache used for fetched payloads.
type Cache interface {
	Get(key string) (interface{}, bool)
	Put(key string, payload interface{}, opts ...cache.PutOption) error
}

// Recorder receives a metric sample per load.
type Recorder interface {
	Record(metricType string, data map[string]interface{})
}

// Observer is told about every finished load.
type Observer interface {
	RecordLoad(kind string, ok bool, duration time.Duration)
}

// Visibility is a signal from the UI boundary: the placeholder is DistancePx
// away from the viewport (0 or negative means on screen).
type Visibility struct {
	ID         string
	DistancePx float64
}

// Config represents loader configuration
type Config struct {
	MarginPx    float64
	LoadTimeout time.Duration
	CacheTTL    time.Duration
	Host        Host
	Fetcher     Fetcher
	// Retry re-runs transient fetch failures; nil means a single attempt
	Retry    *retry.Retryer
	Cache    Cache
	Recorder Recorder
	Observer Observer
	Clock    func() time.Time
	Logger   *utils.StructuredLogger
}

type placeholder struct {
	id     string
	source Source
	state  State
	err    error
	task   *Task
}

// Loader tracks placeholders and loads them on first visibility.
type Loader struct {
	mu           sync.Mutex
	placeholders map[string]*placeholder
	factories    map[string]ComponentFactory

	config Config
	now    func() time.Time
	logger *utils.StructuredLogger
	wg     sync.WaitGroup
}

// New creates a loader
func New(cfg *Config) *Loader {
	c := Config{MarginPx: DefaultMarginPx}
	if cfg != nil {
		c = *cfg
	}
	if c.MarginPx < 0 {
		c.MarginPx = 0
	}
	if c.Host == nil {
		c.Host = NopHost{}
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = cache.DefaultTTL
	}
	if c.Logger == nil {
		c.Logger = utils.NewNopLogger()
	}
	now := c.Clock
	if now == nil {
		now = time.Now
	}

	return &Loader{
		placeholders: make(map[string]*placeholder),
		factories:    make(map[string]ComponentFactory),
		config:       c,
		now:          now,
		logger:       c.Logger.WithComponent("loader"),
	}
}

// RegisterComponent registers the factory used for Component sources named name.
func (l *Loader) RegisterComponent(name string, factory ComponentFactory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[name] = factory
}

// Track registers a placeholder in the Pending state. Tracking an id that is
// pending or loading is a no-op; tracking a settled id starts it over.
func (l *Loader) Track(id string, src Source) error {
	if src == nil {
		return rcerrors.NewError(rcerrors.ErrCodeLoadFailed, "nil source").
			WithComponent("loader").WithOperation("track").WithDetail("id", id)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if p, exists := l.placeholders[id]; exists && !p.state.Settled() {
		return nil
	}
	l.placeholders[id] = &placeholder{id: id, source: src, state: Pending}
	return nil
}

// Untrack forgets a placeholder. A loading placeholder stays tracked until
// its load settles so the id cannot start a second load.
func (l *Loader) Untrack(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, exists := l.placeholders[id]
	if !exists || p.state == Loading {
		return false
	}
	delete(l.placeholders, id)
	return true
}

// Signal handles a visibility signal. The first signal within the margin for
// a pending placeholder starts its load and returns the task; every other
// signal returns nil.
func (l *Loader) Signal(v Visibility) *Task {
	if v.DistancePx > l.config.MarginPx {
		return nil
	}

	l.mu.Lock()
	p, exists := l.placeholders[v.ID]
	if !exists {
		l.mu.Unlock()
		l.logger.Trace("Signal for untracked placeholder", map[string]interface{}{"id": v.ID})
		return nil
	}
	if p.state != Pending {
		l.mu.Unlock()
		return nil
	}

	p.state = Loading
	task := newTask(p.id)
	p.task = task
	src := p.source
	l.wg.Add(1)
	l.mu.Unlock()

	go l.run(p, src, task)
	return task
}

// State returns the state of a placeholder.
func (l *Loader) State(id string) (State, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, exists := l.placeholders[id]
	if !exists {
		return Pending, false
	}
	return p.state, true
}

// Err returns the failure of a Failed placeholder.
func (l *Loader) Err(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if p, exists := l.placeholders[id]; exists {
		return p.err
	}
	return rcerrors.NewError(rcerrors.ErrCodeUnknownPlaceholder, "placeholder not tracked").
		WithComponent("loader").WithDetail("id", id)
}

// Len returns the number of tracked placeholders.
func (l *Loader) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.placeholders)
}

// Counts returns the number of placeholders per state.
func (l *Loader) Counts() map[State]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	counts := make(map[State]int, 4)
	for _, p := range l.placeholders {
		counts[p.state]++
	}
	return counts
}

// IDs returns tracked placeholder ids in sorted order.
func (l *Loader) IDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]string, 0, len(l.placeholders))
	for id := range l.placeholders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PruneSettled forgets every Loaded or Failed placeholder.
func (l *Loader) PruneSettled() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	pruned := 0
	for id, p := range l.placeholders {
		if p.state.Settled() {
			delete(l.placeholders, id)
			pruned++
		}
	}
	return pruned
}

// Wait blocks until every in-flight load has settled.
func (l *Loader) Wait() {
	l.wg.Wait()
}

func (l *Loader) run(p *placeholder, src Source, task *Task) {
	defer l.wg.Done()

	ctx := context.Background()
	if l.config.LoadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.config.LoadTimeout)
		defer cancel()
	}

	start := l.now()
	err := l.loadAndAttach(ctx, p.id, src)
	duration := l.now().Sub(start)

	state := Loaded
	if err != nil {
		state = Failed
	}

	l.mu.Lock()
	p.state = state
	p.err = err
	l.mu.Unlock()

	if err != nil {
		l.logger.Warn("Content load failed", map[string]interface{}{
			"id":    p.id,
			"kind":  string(src.Kind()),
			"error": err.Error(),
		})
		l.config.Host.MarkFailed(p.id, err)
	}

	l.record(p.id, src.Kind(), err == nil, duration)
	task.settle(state, err)
}

func (l *Loader) loadAndAttach(ctx context.Context, id string, src Source) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = rcerrors.NewError(rcerrors.ErrCodePanicRecovered, fmt.Sprint(r)).
				WithComponent("loader").WithDetail("id", id)
		}
	}()

	payload, err := l.load(ctx, src)
	if err != nil {
		return err
	}
	if err := l.config.Host.Attach(id, src.Kind(), payload); err != nil {
		return rcerrors.Wrap(err, rcerrors.ErrCodeLoadFailed, "attach failed").
			WithComponent("loader").WithOperation("attach").WithDetail("id", id)
	}
	return nil
}

func (l *Loader) load(ctx context.Context, src Source) (interface{}, error) {
	switch s := src.(type) {
	case Image:
		return l.loadImage(ctx, s)
	case Component:
		return l.loadComponent(ctx, s)
	case Script:
		return l.loadAsset(ctx, KindScript, s.Ref)
	case Style:
		return l.loadAsset(ctx, KindStyle, s.Ref)
	default:
		return nil, rcerrors.NewError(rcerrors.ErrCodeLoadFailed, fmt.Sprintf("unsupported source %T", src)).
			WithComponent("loader")
	}
}

func (l *Loader) loadImage(ctx context.Context, img Image) (interface{}, error) {
	key := cacheKey(KindImage, img.Ref)
	if cached, ok := l.cached(key); ok {
		if info, ok := cached.(ImageInfo); ok {
			return info, nil
		}
	}

	data, err := l.fetch(ctx, img.Ref)
	if err != nil {
		return nil, err
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, rcerrors.Wrap(err, rcerrors.ErrCodeDecodeFailed, "failed to decode image").
			WithComponent("loader").WithDetail("ref", img.Ref)
	}

	info := ImageInfo{Ref: img.Ref, Format: format, Width: cfg.Width, Height: cfg.Height, Data: data}
	l.store(key, info)
	return info, nil
}

func (l *Loader) loadAsset(ctx context.Context, kind Kind, ref string) (interface{}, error) {
	key := cacheKey(kind, ref)
	if cached, ok := l.cached(key); ok {
		if data, ok := cached.([]byte); ok {
			return data, nil
		}
	}

	data, err := l.fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	l.store(key, data)
	return data, nil
}

func (l *Loader) loadComponent(ctx context.Context, c Component) (interface{}, error) {
	l.mu.Lock()
	factory, ok := l.factories[c.Name]
	l.mu.Unlock()

	if !ok {
		return nil, rcerrors.NewError(rcerrors.ErrCodeLoadFailed, "no factory registered for component").
			WithComponent("loader").WithDetail("component", c.Name)
	}

	component, err := factory(ctx, c.Name, c.Props)
	if err != nil {
		return nil, rcerrors.Wrap(err, rcerrors.ErrCodeLoadFailed, "component factory failed").
			WithComponent("loader").WithDetail("component", c.Name)
	}
	return component, nil
}

func (l *Loader) fetch(ctx context.Context, ref string) ([]byte, error) {
	if l.config.Fetcher == nil {
		return nil, rcerrors.NewError(rcerrors.ErrCodeLoadFailed, "no fetcher configured").
			WithComponent("loader").WithDetail("ref", ref)
	}

	var data []byte
	fetch := func(ctx context.Context) error {
		var err error
		data, err = l.config.Fetcher.Fetch(ctx, ref)
		return err
	}

	var err error
	if l.config.Retry != nil {
		err = l.config.Retry.Do(ctx, fetch)
	} else {
		err = fetch(ctx)
	}
	if err != nil {
		return nil, rcerrors.Wrap(err, rcerrors.ErrCodeLoadFailed, "fetch failed").
			WithComponent("loader").WithOperation("fetch").WithDetail("ref", ref)
	}
	return data, nil
}

func (l *Loader) cached(key string) (interface{}, bool) {
	if l.config.Cache == nil {
		return nil, false
	}
	return l.config.Cache.Get(key)
}

func (l *Loader) store(key string, payload interface{}) {
	if l.config.Cache == nil {
		return
	}
	if err := l.config.Cache.Put(key, payload, cache.WithTTL(l.config.CacheTTL)); err != nil {
		l.logger.Debug("Payload not cached", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}

func (l *Loader) record(id string, kind Kind, ok bool, duration time.Duration) {
	if l.config.Recorder != nil {
		l.config.Recorder.Record(MetricType, map[string]interface{}{
			"id":       id,
			"kind":     string(kind),
			"ok":       ok,
			"duration": float64(duration) / float64(time.Millisecond),
		})
	}
	if l.config.Observer != nil {
		l.config.Observer.RecordLoad(string(kind), ok, duration)
	}
}

func cacheKey(kind Kind, ref string) string {
	return string(kind) + ":" + ref
}
