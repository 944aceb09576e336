package orderbook

import "sync"

// Books holds one Book per symbol, created on first use.
type Books struct {
	mu         sync.Mutex
	sequencing Sequencing
	books      map[string]*Book
}

// NewBooks constructs an empty per-symbol registry.
func NewBooks(sequencing Sequencing) *Books {
	return &Books{sequencing: sequencing, books: make(map[string]*Book)}
}

// Get returns the book for symbol, creating it when missing.
func (s *Books) Get(symbol string) *Book {
	s.mu.Lock()
	defer s.mu.Unlock()
	book, ok := s.books[symbol]
	if !ok {
		book = New(s.sequencing)
		s.books[symbol] = book
	}
	return book
}

// Len returns the number of tracked symbols.
func (s *Books) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.books)
}
