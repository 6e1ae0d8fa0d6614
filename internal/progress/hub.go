package progress

import (
	"log"
	"sync"
	"time"
)

// Hub fans events out to every connected client of a user. It is the
// single writer on the pool-to-subscriber path: all events flow through
// one broadcast channel and one delivery loop, which is what preserves
// per-job ordering across the handoff.
type Hub struct {
	// Registered clients grouped by user ID.
	clients map[string]map[*Client]bool

	broadcast  chan Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	// seq issues the per-job (and per-batch) monotonic sequence.
	mu  sync.Mutex
	seq map[string]uint64
}

// NewHub creates a progress hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		seq:        make(map[string]uint64),
	}
}

// Run starts the hub's delivery loop. Call in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			if h.clients[client.userID] == nil {
				h.clients[client.userID] = make(map[*Client]bool)
			}
			h.clients[client.userID][client] = true
			log.Printf("progress: client connected for user %s", client.userID)

		case client := <-h.unregister:
			if clients, ok := h.clients[client.userID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.send)
					if len(clients) == 0 {
						delete(h.clients, client.userID)
					}
				}
			}
			log.Printf("progress: client disconnected for user %s", client.userID)

		case event := <-h.broadcast:
			clients := h.clients[event.userID]
			for client := range clients {
				select {
				case client.send <- event:
				default:
					// Slow consumer. Drop it; it reconciles by
					// pulling current state on reconnect.
					close(client.send)
					delete(clients, client)
				}
			}
			if clients != nil && len(clients) == 0 {
				delete(h.clients, event.userID)
			}

		case <-h.done:
			for _, clients := range h.clients {
				for client := range clients {
					close(client.send)
				}
			}
			return
		}
	}
}

// Stop terminates the delivery loop and disconnects all clients.
func (h *Hub) Stop() {
	close(h.done)
}

// RegisterClient attaches a client to its user's streams.
func (h *Hub) RegisterClient(client *Client) {
	h.register <- client
}

// UnregisterClient detaches a client.
func (h *Hub) UnregisterClient(client *Client) {
	h.unregister <- client
}

// nextSeq issues the next sequence number for a job or batch key.
// Terminal events release the key so the map does not grow unbounded.
func (h *Hub) nextSeq(key string, terminal bool) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq[key]++
	n := h.seq[key]
	if terminal {
		delete(h.seq, key)
	}
	return n
}

func (h *Hub) publish(event Event) {
	event.Timestamp = time.Now()
	select {
	case h.broadcast <- event:
	default:
		log.Printf("progress: broadcast channel full, dropping %s event for user %s", event.Kind, event.userID)
	}
}

// JobQueued publishes a queued event with the job's queue position.
func (h *Hub) JobQueued(userID, jobID string, position int) {
	h.publish(Event{
		Kind:     KindQueued,
		Seq:      h.nextSeq("job:"+jobID, false),
		JobID:    jobID,
		Position: position,
		userID:   userID,
	})
}

// JobProgress publishes byte-level transfer progress for a job.
func (h *Hub) JobProgress(userID, jobID string, received, total int64) {
	h.publish(Event{
		Kind:          KindProgress,
		Seq:           h.nextSeq("job:"+jobID, false),
		JobID:         jobID,
		BytesReceived: received,
		TotalBytes:    total,
		userID:        userID,
	})
}

// JobCompleted publishes the terminal success event for a job.
func (h *Hub) JobCompleted(userID, jobID string) {
	h.publish(Event{
		Kind:   KindCompleted,
		Seq:    h.nextSeq("job:"+jobID, true),
		JobID:  jobID,
		userID: userID,
	})
}

// JobFailed publishes the terminal failure event for a job.
func (h *Hub) JobFailed(userID, jobID, reason string) {
	h.publish(Event{
		Kind:   KindFailed,
		Seq:    h.nextSeq("job:"+jobID, true),
		JobID:  jobID,
		Reason: reason,
		userID: userID,
	})
}

// BatchStatus publishes the batch aggregate after a recorded outcome.
func (h *Hub) BatchStatus(userID, batchID, status string, completed, failed, total int) {
	h.publish(Event{
		Kind:      KindBatchStatus,
		Seq:       h.nextSeq("batch:"+batchID, false),
		BatchID:   batchID,
		Status:    status,
		Completed: completed,
		Failed:    failed,
		Total:     total,
		userID:    userID,
	})
}
