// Package eventbus implements the single, multi-producer/single-consumer
// broadcast the pipeline uses to notify UI and other consumers. Producers
// never block on slow consumers: a full subscriber channel drops the new
// event and increments that subscriber's drop counter.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jihwankim/plant-datalogger/pkg/analysis"
)

// EventKind discriminates the four outbound event shapes.
type EventKind int

const (
	ConnectionStateChanged EventKind = iota
	SamplesReceived
	AlarmRaised
	Warning
)

// ConnectionState mirrors a connector's externally-visible lifecycle state.
type ConnectionState string

const (
	StateIdle         ConnectionState = "idle"
	StateConnecting   ConnectionState = "connecting"
	StateRunning      ConnectionState = "running"
	StateReconnecting ConnectionState = "reconnecting"
	StateStopping     ConnectionState = "stopping"
	StateStopped      ConnectionState = "stopped"
	StateErrored      ConnectionState = "errored"
)

// Event is the single envelope type carried on the bus; only the fields
// relevant to Kind are populated.
type Event struct {
	Kind         EventKind
	Timestamp    time.Time
	ConnectionID string

	// ConnectionStateChanged
	State ConnectionState

	// SamplesReceived
	Samples []analysis.AnnotatedSample

	// AlarmRaised
	TagName      string
	AlarmState   analysis.AlarmState
	FromState    analysis.AlarmState
	ToState      analysis.AlarmState
	Value        string
	AlarmMessage string

	// Warning
	Source  string
	Message string
}

// subscriber is one registered consumer's channel plus its drop counter.
type subscriber struct {
	ch      chan Event
	dropped atomic.Uint64
}

// Bus is the in-process broadcast. The zero value is not usable; use New.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscriber
	nextID      int
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[int]*subscriber)}
}

// Subscribe registers a new consumer with the given channel buffer depth
// and returns the channel to receive on plus an unsubscribe function.
func (b *Bus) Subscribe(bufferSize int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, bufferSize)}
	b.subscribers[id] = sub

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subscribers[id]; ok {
			close(s.ch)
			delete(b.subscribers, id)
		}
	}
	return sub.ch, unsubscribe
}

// Publish broadcasts an event to every current subscriber. A subscriber
// whose channel is full has the event dropped for it, never blocking the
// producer; the drop is counted but not itself published (that would
// recurse).
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		select {
		case sub.ch <- evt:
		default:
			sub.dropped.Add(1)
		}
	}
}

// SubscriberCount reports how many consumers are currently registered.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
