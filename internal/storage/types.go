package storage

import "time"

// Alert is one scheduled local alert as persisted by an AlertStore.
// Payload is the encoded notify payload envelope and is opaque to storage.
type Alert struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Payload   string    `json:"payload"`
	FireAt    time.Time `json:"fire_at"`
	CreatedAt time.Time `json:"created_at"`
}
