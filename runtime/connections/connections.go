package connections

import (
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned when a pool is used after Close.
var ErrClosed = errors.New("connection pool closed")

// Handle represents a reusable transport connection that can be shared between drivers.
//
// Concrete implementations usually wrap network clients and must be safe for
// concurrent use by every driver holding a lease.
type Handle interface {
	Close() error
}

// Dialer opens a new handle for an endpoint key.
type Dialer func(key string) (Handle, error)

type entry struct {
	handle Handle
	refs   int
}

// Pool shares handles between drivers that address the same endpoint.
// Handles are reference counted and closed when the last lease is released.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{entries: make(map[string]*entry)}
}

// Acquire returns the handle for key, dialing it on first use. The returned
// release function must be called exactly once.
func (p *Pool) Acquire(key string, dial Dialer) (Handle, func() error, error) {
	if dial == nil {
		return nil, nil, errors.New("connection dialer must not be nil")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, nil, ErrClosed
	}
	e, ok := p.entries[key]
	if !ok {
		handle, err := dial(key)
		if err != nil {
			return nil, nil, fmt.Errorf("dial %s: %w", key, err)
		}
		e = &entry{handle: handle}
		p.entries[key] = e
	}
	e.refs++
	var once sync.Once
	release := func() error {
		var err error
		once.Do(func() { err = p.release(key, e) })
		return err
	}
	return e.handle, release, nil
}

func (p *Pool) release(key string, e *entry) error {
	p.mu.Lock()
	e.refs--
	last := e.refs <= 0
	if last && p.entries[key] == e {
		delete(p.entries, key)
	}
	p.mu.Unlock()
	if last {
		return e.handle.Close()
	}
	return nil
}

// Len reports the number of open handles.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close closes every open handle regardless of outstanding leases.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	var errs []error
	for key, e := range entries {
		if err := e.handle.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}
