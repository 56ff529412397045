// Package events fans run and job lifecycle notifications out to SSE
// subscribers.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
)

// Event types broadcast by the engine.
const (
	RunStarted  = "run_started"
	RunSkipped  = "run_skipped"
	RunFinished = "run_finished"
	JobStarted  = "job_started"
	JobFinished = "job_finished"
)

// Broker manages SSE subscriber channels and broadcasts engine events to
// all of them.
type Broker struct {
	clients map[chan string]bool
	mu      sync.RWMutex
}

// Global broker instance shared by the coordinator, the scheduler and the
// HTTP layer.
var broker = &Broker{
	clients: make(map[chan string]bool),
}

// GetBroker returns the global event broker.
func GetBroker() *Broker {
	return broker
}

// Register adds a new SSE client.
func (b *Broker) Register(client chan string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[client] = true
	log.Printf("📡 SSE client connected (total: %d)", len(b.clients))
}

// Unregister removes an SSE client and closes its channel.
func (b *Broker) Unregister(client chan string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, client)
	close(client)
	log.Printf("📡 SSE client disconnected (total: %d)", len(b.clients))
}

// Broadcast sends an event to all connected clients. Slow clients are
// skipped rather than blocking the engine.
func (b *Broker) Broadcast(eventType string, data interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("Failed to marshal event data: %v", err)
		return
	}

	message := fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, string(jsonData))

	for client := range b.clients {
		select {
		case client <- message:
		default:
		}
	}
}
