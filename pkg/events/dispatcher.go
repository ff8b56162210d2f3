// Package events is the engine's audit log surface. Every successful
// state-changing operation dispatches one event carrying its full
// resulting record; subscribers receive the events synchronously in the
// order the operations committed.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var eventsMetric = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "audit_events_total",
		Help: "Number of dispatched audit events per name",
	},
	[]string{"event"},
)

type subscriberID int64

// DeliveryFn receives a marshaled Envelope. It runs on the dispatching
// goroutine and must not block.
type DeliveryFn func(eventData []byte)

type CancelFn func()

type SubscribeOptions struct {
	Names    []Name
	AllNames bool
}

// Envelope is the wire form of a single audit event.
type Envelope struct {
	Name    Name            `json:"name"`
	EventID int64           `json:"event_id"`
	Time    time.Time       `json:"time"`
	Data    json.RawMessage `json:"data"`
}

// Dispatcher implements the fan-out pattern delivering each audit event
// to every matching subscriber.
type Dispatcher struct {
	logger    *zap.Logger
	currentID int64

	mu       sync.RWMutex
	byName   map[Name]map[subscriberID]DeliveryFn
	allNames map[subscriberID]DeliveryFn
	options  map[subscriberID]SubscribeOptions
	nextSub  subscriberID
}

func NewDispatcher(logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		logger:    logger,
		currentID: time.Now().UnixNano(),
		byName:    map[Name]map[subscriberID]DeliveryFn{},
		allNames:  map[subscriberID]DeliveryFn{},
		options:   map[subscriberID]SubscribeOptions{},
		nextSub:   1,
	}
}

func (d *Dispatcher) RegisterSubscriber(fn DeliveryFn, options SubscribeOptions) CancelFn {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextSub
	d.nextSub += 1
	d.options[id] = options

	if options.AllNames {
		d.allNames[id] = fn
		return func() { d.unsubscribe(id) }
	}
	for _, name := range options.Names {
		subscribers, ok := d.byName[name]
		if !ok {
			subscribers = map[subscriberID]DeliveryFn{}
			d.byName[name] = subscribers
		}
		subscribers[id] = fn
	}
	return func() { d.unsubscribe(id) }
}

// Dispatch marshals payload and delivers it to all subscribers of name.
// It is called synchronously at the end of a successful transaction.
func (d *Dispatcher) Dispatch(name Name, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("json.Marshal() failed", zap.String("event", name.String()), zap.Error(err))
		return
	}
	envelope, err := json.Marshal(Envelope{
		Name:    name,
		EventID: atomic.AddInt64(&d.currentID, 1),
		Time:    time.Now().UTC(),
		Data:    data,
	})
	if err != nil {
		d.logger.Error("json.Marshal() failed", zap.String("event", name.String()), zap.Error(err))
		return
	}
	eventsMetric.WithLabelValues(name.String()).Inc()

	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, deliveryFn := range d.allNames {
		deliveryFn(envelope)
	}
	for _, deliveryFn := range d.byName[name] {
		deliveryFn(envelope)
	}
}

func (d *Dispatcher) unsubscribe(id subscriberID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	options, ok := d.options[id]
	if !ok {
		return
	}
	delete(d.options, id)
	if options.AllNames {
		delete(d.allNames, id)
		return
	}
	for _, name := range options.Names {
		subscribers, ok := d.byName[name]
		if !ok {
			continue
		}
		delete(subscribers, id)
		if len(subscribers) == 0 {
			delete(d.byName, name)
		}
	}
}
