package process

import "sync"

const subscriberBuffer = 32

type subscriber struct {
	processID string
	ch        chan Event
}

// Broker fans transition events out to subscribers. A slow subscriber loses
// events rather than blocking the engine.
type Broker struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]*subscriber)}
}

// Subscribe registers interest in process id ("" for all processes). The
// returned func unsubscribes and closes the channel.
func (b *Broker) Subscribe(id string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := b.nextID
	b.nextID++
	sub := &subscriber{processID: id, ch: make(chan Event, subscriberBuffer)}
	b.subs[key] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, key)
			close(sub.ch)
		})
	}
}

// Publish delivers ev to every matching subscriber without blocking
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if sub.processID != "" && sub.processID != ev.ProcessID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}
