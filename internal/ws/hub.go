package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans job status payloads out to the clients watching each job.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
	closeOnce sync.Once
}

type message struct {
	jobID   string
	payload []byte
}

type subscription struct {
	jobID  string
	client Subscriber
}

// NewHub creates a running Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, 64),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			h.clients = nil
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.jobID]; !ok {
				h.clients[sub.jobID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.jobID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.jobID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.jobID)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.jobID]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.jobID)
				}
			}
		}
	}
}

// Register adds a client to a job stream.
func (h *Hub) Register(jobID string, client Subscriber) {
	select {
	case h.register <- subscription{jobID: jobID, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(jobID string, client Subscriber) {
	select {
	case h.unreg <- subscription{jobID: jobID, client: client}:
	case <-h.done:
	}
}

// Broadcast sends payload to every client of the job.
func (h *Hub) Broadcast(jobID string, payload []byte) {
	select {
	case h.broadcast <- message{jobID: jobID, payload: payload}:
	case <-h.done:
	}
}

// Close stops the hub and closes all clients.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}
