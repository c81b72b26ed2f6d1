// Copyright 2024 Algodoeira Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"sync"

	"go.uber.org/zap"
)

// Notifier fans a change signal out to every connected client. The signal is
// a hint to refetch, not a data payload: there is no ordering or delivery
// guarantee, and a slow subscriber simply misses events (clients refetch
// periodically anyway).
type Notifier struct {
	mu          sync.Mutex
	subscribers map[uint64]chan string
	nextID      uint64
}

func NewNotifier() *Notifier {
	return &Notifier{
		subscribers: make(map[uint64]chan string),
	}
}

// Subscribe registers a long-lived push channel. The caller must call
// Unsubscribe when the client disconnects.
func (n *Notifier) Subscribe() (id uint64, events <-chan string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	id = n.nextID
	ch := make(chan string, 8)
	n.subscribers[id] = ch
	zap.S().Debugf("Event subscriber %d connected (%d total)", id, len(n.subscribers))
	return id, ch
}

// Unsubscribe prunes a disconnected client's channel.
func (n *Notifier) Unsubscribe(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ch, ok := n.subscribers[id]; ok {
		delete(n.subscribers, id)
		close(ch)
	}
	zap.S().Debugf("Event subscriber %d disconnected (%d total)", id, len(n.subscribers))
}

// Broadcast writes eventKind to every open channel. Full channels are
// skipped, never blocked on.
func (n *Notifier) Broadcast(eventKind string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, ch := range n.subscribers {
		select {
		case ch <- eventKind:
		default:
			zap.S().Debugf("Dropping event for slow subscriber %d", id)
		}
	}
}

// SubscriberCount reports how many clients currently hold a subscription.
func (n *Notifier) SubscriberCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subscribers)
}
