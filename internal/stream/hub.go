// Package stream fans job progress out to websocket observers. The hub is
// strictly live: observers that subscribe after an emission never see it
// and recover state through the status query instead. A slow observer is
// dropped rather than allowed to back-pressure the job worker.
package stream

import (
	"encoding/json"
	"sync"

	"reweave/internal/logging"
)

// Topic for section-granularity events from the expansion engine.
const TopicGeneration = "generation"

// AuditTopic returns the live audit topic for a job.
func AuditTopic(jobID string) string { return "audit:" + jobID }

// observerBuffer bounds how far an observer may fall behind before it is
// dropped.
const observerBuffer = 64

// Observer receives the messages published to one topic.
type Observer struct {
	topic string
	ch    chan []byte
}

// Topic returns the topic this observer is subscribed to.
func (o *Observer) Topic() string { return o.topic }

// C is the observer's receive channel. It is closed when the observer is
// dropped or the hub shuts down.
func (o *Observer) C() <-chan []byte { return o.ch }

type publication struct {
	topic string
	data  []byte
}

// Hub is a topic-keyed broadcast fan-out. All subscription state is owned
// by the run loop; external calls communicate over channels.
type Hub struct {
	register   chan *Observer
	unregister chan *Observer
	publish    chan publication
	done       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup

	topics map[string]map[*Observer]bool
}

// NewHub creates a hub and starts its run loop.
func NewHub() *Hub {
	h := &Hub{
		register:   make(chan *Observer),
		unregister: make(chan *Observer),
		publish:    make(chan publication, 256),
		done:       make(chan struct{}),
		topics:     make(map[string]map[*Observer]bool),
	}
	h.wg.Add(1)
	go h.run()
	return h
}

func (h *Hub) run() {
	defer h.wg.Done()
	for {
		select {
		case obs := <-h.register:
			if h.topics[obs.topic] == nil {
				h.topics[obs.topic] = make(map[*Observer]bool)
			}
			h.topics[obs.topic][obs] = true

		case obs := <-h.unregister:
			h.drop(obs)

		case pub := <-h.publish:
			for obs := range h.topics[pub.topic] {
				select {
				case obs.ch <- pub.data:
				default:
					// Observer cannot keep up; drop it.
					logging.Stream("Dropping slow observer on topic %s", pub.topic)
					h.drop(obs)
				}
			}

		case <-h.done:
			for _, observers := range h.topics {
				for obs := range observers {
					close(obs.ch)
				}
			}
			h.topics = make(map[string]map[*Observer]bool)
			return
		}
	}
}

func (h *Hub) drop(obs *Observer) {
	if observers, ok := h.topics[obs.topic]; ok && observers[obs] {
		delete(observers, obs)
		if len(observers) == 0 {
			delete(h.topics, obs.topic)
		}
		close(obs.ch)
	}
}

// Subscribe registers an observer on a topic.
func (h *Hub) Subscribe(topic string) *Observer {
	obs := &Observer{topic: topic, ch: make(chan []byte, observerBuffer)}
	select {
	case h.register <- obs:
	case <-h.done:
		close(obs.ch)
	}
	return obs
}

// Unsubscribe removes an observer. Safe to call after the hub stopped or
// the observer was already dropped.
func (h *Hub) Unsubscribe(obs *Observer) {
	select {
	case h.unregister <- obs:
	case <-h.done:
	}
}

// Publish marshals a message and fans it out to the topic's observers.
// Publications from one goroutine are delivered in call order.
func (h *Hub) Publish(topic string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Stream("Dropping unmarshalable message on topic %s: %v", topic, err)
		return
	}
	select {
	case h.publish <- publication{topic: topic, data: data}:
	case <-h.done:
	}
}

// Stop shuts the hub down and closes every observer channel.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
	h.wg.Wait()
}
