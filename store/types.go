package store

import "time"

// CoreFact is one keyed fact in the core memory tier.
type CoreFact struct {
	ID           string
	UserID       string
	Key          string
	Value        string
	Importance   float64
	Metadata     map[string]any
	AccessCount  int
	LastAccessed *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RecallItem is one embedded episodic memory. Similarity is populated only on
// search results.
type RecallItem struct {
	ID          string
	UserID      string
	Content     string
	Embedding   []float32
	Importance  float64
	AccessCount int
	CreatedAt   time.Time
	Similarity  float64
}

// ArchivalItem is one long-form archival record.
type ArchivalItem struct {
	ID               string
	UserID           string
	Content          string
	Source           string
	Metadata         map[string]any
	SessionID        string
	Compressed       bool
	CompressedIntoID string
	CreatedAt        time.Time
}

// Node is one knowledge-graph vertex.
type Node struct {
	ID         string
	UserID     string
	Label      string
	NodeType   string
	Properties map[string]any
	Embedding  []float32
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Similarity float64
}

// Edge is one typed, weighted, directed relation between two nodes of the
// same user.
type Edge struct {
	ID         string
	SourceID   string
	TargetID   string
	EdgeType   string
	Weight     float64
	Properties map[string]any
	CreatedAt  time.Time
}

// SessionRow is the persisted session header.
type SessionRow struct {
	ID        string
	UserID    string
	ChannelID string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one persisted conversation message. Status is "complete" or
// "partial" (stream interrupted before finishing).
type Message struct {
	ID        string
	SessionID string
	UserID    string
	Seq       int
	Role      string
	Content   string
	Status    string
	CreatedAt time.Time
}
