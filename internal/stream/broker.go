// Package stream 提供心跳的实时订阅（live tail）。
//
// 每个订阅者持有一个有界 channel；订阅者消费不及时时新事件直接丢弃，
// Publish 永远不会阻塞心跳处理路径。
package stream

import (
	"sync"
	"time"

	"github.com/bob-yamong/policy-back/internal/metrics"
)

const DefaultBuffer = 32

// HeartbeatEvent 在一次心跳事务提交后发布。
type HeartbeatEvent struct {
	ServerID       uint64    `json:"server_id"`
	ServerUUID     string    `json:"uuid"`
	HeartbeatID    uint64    `json:"heartbeat_id"`
	Timestamp      time.Time `json:"timestamp"`
	ReqIP          string    `json:"req_ip"`
	Endpoint       string    `json:"endpoint"`
	ContainerCount int       `json:"survival_container_cnt"`
	// Created 为本次心跳新登记的容器名。
	Created []string `json:"created,omitempty"`
	// Restarted 为本次心跳检测到身份变化的容器名。
	Restarted []string `json:"restarted,omitempty"`
	// Removed 为本次心跳标记为已移除的容器 ID。
	Removed []uint64 `json:"removed,omitempty"`
}

type Subscription struct {
	uuid string
	ch   chan HeartbeatEvent
}

// C 返回事件 channel；Unsubscribe 或 Close 后 channel 被关闭。
func (s *Subscription) C() <-chan HeartbeatEvent {
	return s.ch
}

type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	closed bool
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broker{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe 订阅某台主机的心跳；uuid 为空表示订阅全部主机。
func (b *Broker) Subscribe(uuid string) *Subscription {
	sub := &Subscription{uuid: uuid, ch: make(chan HeartbeatEvent, b.buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	set, ok := b.subs[uuid]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[uuid] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[sub.uuid]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.uuid)
	}
	close(sub.ch)
}

// Publish 将事件投递给该主机的订阅者以及全局订阅者，返回被丢弃的份数。
func (b *Broker) Publish(ev HeartbeatEvent) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}

	dropped := 0
	deliver := func(set map[*Subscription]struct{}) {
		for sub := range set {
			select {
			case sub.ch <- ev:
			default:
				dropped++
			}
		}
	}
	deliver(b.subs[ev.ServerUUID])
	if ev.ServerUUID != "" {
		deliver(b.subs[""])
	}
	if dropped > 0 {
		metrics.StreamDropped.Add(float64(dropped))
	}
	return dropped
}

func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, set := range b.subs {
		n += len(set)
	}
	return n
}

// Close 关闭所有订阅；之后的 Publish 为空操作。
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, set := range b.subs {
		for sub := range set {
			close(sub.ch)
		}
	}
	b.subs = map[string]map[*Subscription]struct{}{}
}
