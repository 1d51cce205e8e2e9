package transcribe

import (
	"errors"
	"sync"
)

// ErrCacheClosed is wrapped by the ModelLoad error returned after Close.
var ErrCacheClosed = errors.New("model cache closed")

// ModelCache holds one loaded model shared read-only by concurrent calls.
// The model is loaded on first Acquire and kept until Invalidate or Close;
// a replaced model is closed once its last holder releases it.
type ModelCache struct {
	engine Engine
	params ModelParams

	mu       sync.Mutex
	idle     *sync.Cond
	current  *cachedModel
	inflight int
	loads    int
	closed   bool
}

type cachedModel struct {
	model Model
	refs  int
}

func NewModelCache(engine Engine, params ModelParams) *ModelCache {
	c := &ModelCache{engine: engine, params: params}
	c.idle = sync.NewCond(&c.mu)
	return c
}

// Acquire returns the shared model and a release func that must be called
// exactly once when the caller is done with it.
func (c *ModelCache) Acquire() (Model, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, nil, &Error{Kind: KindModelLoad, Path: c.params.Path, Detail: ErrCacheClosed.Error(), Err: ErrCacheClosed}
	}
	if c.current == nil {
		model, err := c.engine.LoadModel(c.params)
		if err != nil {
			return nil, nil, &Error{Kind: KindModelLoad, Path: c.params.Path, Detail: err.Error(), Err: err}
		}
		c.current = &cachedModel{model: model}
		c.loads++
	}
	entry := c.current
	entry.refs++
	c.inflight++

	var once sync.Once
	return entry.model, func() { once.Do(func() { c.release(entry) }) }, nil
}

func (c *ModelCache) release(entry *cachedModel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry.refs--
	c.inflight--
	if entry.refs == 0 && entry != c.current {
		_ = entry.model.Close()
	}
	if c.inflight == 0 {
		c.idle.Broadcast()
	}
}

// Invalidate drops the current model so the next Acquire reloads it from disk.
func (c *ModelCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.current
	c.current = nil
	if old != nil && old.refs == 0 {
		_ = old.model.Close()
	}
}

// Loads reports how many times the model has been loaded.
func (c *ModelCache) Loads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loads
}

// Close waits for in-flight holders and releases the model.
func (c *ModelCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for c.inflight > 0 {
		c.idle.Wait()
	}
	if c.current == nil {
		return nil
	}
	err := c.current.model.Close()
	c.current = nil
	return err
}
