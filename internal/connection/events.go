package connection

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// broadcaster fans status changes out to subscribers. Consecutive equal
// statuses are published once.
type broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Status
	last   *Status
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan Status)}
}

func (b *broadcaster) subscribe(buffer int) (<-chan Status, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Status, buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

func (b *broadcaster) publish(st Status) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.last != nil && b.last.same(st) {
		return
	}
	b.last = &st

	for id, ch := range b.subs {
		select {
		case ch <- st:
		default:
			log.Debug().Int("subscriber", id).Str("state", st.State.String()).Msg("status subscriber is full, dropping event")
		}
	}
}
