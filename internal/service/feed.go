package service

import (
	"sync"

	"who_knows_rewards/internal/model"
	"who_knows_rewards/pkg/logger"

	"go.uber.org/zap"
)

const DefaultFeedBuffer = 16

// Feed fans points updates out to per-address subscribers. Publish never
// blocks: a subscriber whose buffer is full is dropped and its channel closed.
type Feed struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
}

type Subscription struct {
	address string
	updates chan model.PointsUpdate
	feed    *Feed
}

func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = DefaultFeedBuffer
	}
	return &Feed{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

func (f *Feed) Subscribe(address string) *Subscription {
	sub := &Subscription{
		address: model.NormalizeAddress(address),
		updates: make(chan model.PointsUpdate, f.buffer),
		feed:    f,
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs[sub.address] == nil {
		f.subs[sub.address] = make(map[*Subscription]struct{})
	}
	f.subs[sub.address][sub] = struct{}{}
	return sub
}

func (f *Feed) Publish(update model.PointsUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for sub := range f.subs[update.Address] {
		select {
		case sub.updates <- update:
		default:
			logger.Named("feed").Warn("dropping slow subscriber", zap.String("address", sub.address))
			f.removeLocked(sub)
		}
	}
}

// Subscribers returns the number of live subscriptions for address.
func (f *Feed) Subscribers(address string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[model.NormalizeAddress(address)])
}

func (f *Feed) removeLocked(sub *Subscription) {
	set, ok := f.subs[sub.address]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(f.subs, sub.address)
	}
	close(sub.updates)
}

// Updates is closed when the subscription ends.
func (s *Subscription) Updates() <-chan model.PointsUpdate {
	return s.updates
}

func (s *Subscription) Close() {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	s.feed.removeLocked(s)
}
