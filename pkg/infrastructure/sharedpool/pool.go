package sharedpool

import (
	"errors"
	"sync"
)

// WrappedValueReleaseFunc frees the underlying value once the last holder released it.
type WrappedValueReleaseFunc func() error

type ValueFactory[K comparable, V any] func(key K) (V, WrappedValueReleaseFunc, error)

// SharedValue is a reference-counted handle to a pooled value.
type SharedValue[K comparable, V any] struct {
	v V

	key     K
	count   int
	free    WrappedValueReleaseFunc
	release func(key K) error
}

func (v *SharedValue[K, V]) Value() V {
	return v.v
}

func (v *SharedValue[K, V]) Release() error {
	return v.release(v.key)
}

// NewPool creates a pool where every Get with an equal key shares one value
// until all holders released it.
func NewPool[K comparable, V any](factory ValueFactory[K, V]) *Pool[K, V] {
	return &Pool[K, V]{
		valueFactory: factory,
		pool:         make(map[K]*SharedValue[K, V]),
	}
}

type Pool[K comparable, V any] struct {
	valueFactory ValueFactory[K, V]

	mu   sync.Mutex
	pool map[K]*SharedValue[K, V]
}

func (p *Pool[K, V]) Get(key K) (*SharedValue[K, V], error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sv, ok := p.pool[key]; ok {
		sv.count++
		return sv, nil
	}

	v, free, err := p.valueFactory(key)
	if err != nil {
		return nil, err
	}
	sv := &SharedValue[K, V]{
		v:       v,
		key:     key,
		count:   1,
		free:    free,
		release: p.release,
	}
	p.pool[key] = sv
	return sv, nil
}

func (p *Pool[K, V]) release(key K) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	sv, ok := p.pool[key]
	if !ok {
		return errors.New("value not found in pool")
	}
	if sv.count > 1 {
		sv.count--
		return nil
	}
	delete(p.pool, key)
	if sv.free == nil {
		return nil
	}
	return sv.free()
}
