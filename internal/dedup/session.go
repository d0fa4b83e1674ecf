package dedup

// Accepted is one item admitted into a batch session: its text, its
// embedding, and the corpus id it was stored under.
type Accepted struct {
	ID        string
	Text      string
	Embedding []float32
}

// SessionScope holds the items accepted so far within a single batch job, in
// acceptance order. It is owned by exactly one worker goroutine for the
// lifetime of the job and is discarded when the job ends, so it carries no
// locking.
type SessionScope struct {
	items []Accepted
}

// NewSessionScope returns an empty scope for a starting batch job.
func NewSessionScope() *SessionScope {
	return &SessionScope{}
}

// Add appends an accepted item.
func (s *SessionScope) Add(id, text string, embedding []float32) {
	s.items = append(s.items, Accepted{ID: id, Text: text, Embedding: embedding})
}

// Items returns the accepted items in acceptance order.
func (s *SessionScope) Items() []Accepted {
	return s.items
}

// Len returns the number of accepted items.
func (s *SessionScope) Len() int {
	return len(s.items)
}
