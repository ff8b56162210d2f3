// Package keystore provides the keyed store backing every mutable table of
// the engine: payments, fingerprints, subscriptions, documents, tokens and
// capability grants. Insert is an atomic insert-if-absent and Update is an
// atomic read-modify-write, which makes the store the single-writer
// arbitration point for concurrent calls racing on the same key.
package keystore

import (
	"github.com/go-faster/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/puzpuzpuz/xsync/v2"
)

var ErrKeyNotFound = errors.New("key not found")

var storeSizeMetric = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "keystore_size",
		Help: "Number of entries per keyed store",
	},
	[]string{"name"},
)

type Store[V any] struct {
	name  string
	items *xsync.MapOf[string, V]
}

func New[V any](name string) *Store[V] {
	return &Store[V]{
		name:  name,
		items: xsync.NewMapOf[V](),
	}
}

// Insert stores value under key only if the key is absent and reports
// whether the insert took place.
func (s *Store[V]) Insert(key string, value V) bool {
	_, loaded := s.items.LoadOrStore(key, value)
	if !loaded {
		storeSizeMetric.WithLabelValues(s.name).Inc()
	}
	return !loaded
}

func (s *Store[V]) Get(key string) (V, bool) {
	return s.items.Load(key)
}

// Update atomically replaces the value under key with fn's result.
// fn runs inside the store's per-key critical section and must not block.
// A missing key yields ErrKeyNotFound; an error returned by fn leaves the
// stored value untouched.
func (s *Store[V]) Update(key string, fn func(V) (V, error)) (V, error) {
	var updateErr error
	value, ok := s.items.Compute(key, func(old V, loaded bool) (V, bool) {
		if !loaded {
			updateErr = ErrKeyNotFound
			return old, true
		}
		updated, err := fn(old)
		if err != nil {
			updateErr = err
			return old, false
		}
		return updated, false
	})
	if updateErr != nil {
		var zero V
		return zero, updateErr
	}
	if !ok {
		var zero V
		return zero, ErrKeyNotFound
	}
	return value, nil
}

func (s *Store[V]) Delete(key string) {
	if _, loaded := s.items.LoadAndDelete(key); loaded {
		storeSizeMetric.WithLabelValues(s.name).Dec()
	}
}

func (s *Store[V]) Range(fn func(key string, value V) bool) {
	s.items.Range(fn)
}

func (s *Store[V]) Len() int {
	return s.items.Size()
}
