package services

import (
	"sync"
	"sync/atomic"
)

// ChangeEvent announces that a budget's ledger grew up to Sequence.
type ChangeEvent struct {
	BudgetID string `json:"budget_id"`
	Sequence int64  `json:"sequence"`
}

// Subscription receives change events for a set of budgets. C is closed on
// Unsubscribe or when the manager stops.
type Subscription struct {
	id      int64
	budgets []string
	C       chan ChangeEvent
	once    sync.Once
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.C) })
}

type notifyChange struct {
	event ChangeEvent
}

type unsubscribe struct {
	sub *Subscription
}

// Events fans change notifications out to watchers. All bookkeeping happens
// on the goroutine started by Start; delivery never blocks a writer, a
// watcher that falls behind loses events and catches up with its next pull.
type Events struct {
	globalIDs atomic.Int64
	streams   map[string][]*Subscription
	msgChan   chan any
}

const (
	eventsQueueSize        = 1024
	subscriptionBufferSize = 16
)

func NewEvents() *Events {
	return &Events{
		streams: make(map[string][]*Subscription),
		msgChan: make(chan any, eventsQueueSize),
	}
}

// Start runs the dispatch loop. Once quit is closed every subscription is
// closed and later subscriptions are closed as soon as they arrive.
func (e *Events) Start(quit <-chan struct{}) {
	go func() {
		for {
			select {
			case msg := <-e.msgChan:
				e.handle(msg)
			case <-quit:
				for _, subs := range e.streams {
					for _, s := range subs {
						s.close()
					}
				}
				e.streams = map[string][]*Subscription{}
				e.drain()
				return
			}
		}
	}()
}

// drain keeps closing late subscriptions for the life of the process; the
// queue is never closed, so this goroutine does not return.
func (e *Events) drain() {
	for msg := range e.msgChan {
		switch m := msg.(type) {
		case *Subscription:
			m.close()
		case *unsubscribe:
			m.sub.close()
		}
	}
}

func (e *Events) handle(msg any) {
	switch m := msg.(type) {
	case *Subscription:
		for _, b := range m.budgets {
			e.streams[b] = append(e.streams[b], m)
		}
	case *unsubscribe:
		for _, b := range m.sub.budgets {
			subs := e.streams[b]
			kept := subs[:0]
			for _, s := range subs {
				if s.id != m.sub.id {
					kept = append(kept, s)
				}
			}
			if len(kept) == 0 {
				delete(e.streams, b)
			} else {
				e.streams[b] = kept
			}
		}
		m.sub.close()
	case *notifyChange:
		for _, s := range e.streams[m.event.BudgetID] {
			select {
			case s.C <- m.event:
			default:
			}
		}
	}
}

// Notify queues an event. It drops the event when the queue is full.
func (e *Events) Notify(budgetID string, sequence int64) {
	select {
	case e.msgChan <- &notifyChange{event: ChangeEvent{BudgetID: budgetID, Sequence: sequence}}:
	default:
	}
}

// Subscribe registers a watcher for budgetIDs.
func (e *Events) Subscribe(budgetIDs []string) *Subscription {
	s := &Subscription{
		id:      e.globalIDs.Add(1),
		budgets: append([]string(nil), budgetIDs...),
		C:       make(chan ChangeEvent, subscriptionBufferSize),
	}
	e.msgChan <- s
	return s
}

func (e *Events) Unsubscribe(s *Subscription) {
	e.msgChan <- &unsubscribe{sub: s}
}
