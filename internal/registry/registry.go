package registry

import (
	"fmt"
	"sync"

	"github.com/XavierBriggs/Argus/pkg/contracts"
	"github.com/XavierBriggs/Argus/pkg/models"
)

// BookRegistry manages registered sportsbook clients by slug.
type BookRegistry struct {
	books map[string]contracts.BookClient
	mu    sync.RWMutex
}

// NewBookRegistry creates an empty registry.
func NewBookRegistry() *BookRegistry {
	return &BookRegistry{
		books: make(map[string]contracts.BookClient),
	}
}

// Register adds a book client. Registering two primaries or reusing a
// slug is a wiring error and rejected.
func (r *BookRegistry) Register(book contracts.BookClient) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	slug := book.Slug()
	if _, exists := r.books[slug]; exists {
		return fmt.Errorf("book %s is already registered", slug)
	}
	if book.Role() == models.RolePrimary {
		for _, b := range r.books {
			if b.Role() == models.RolePrimary {
				return fmt.Errorf("primary book already registered: %s", b.Slug())
			}
		}
	}

	r.books[slug] = book
	return nil
}

// Get retrieves a book client by slug.
func (r *BookRegistry) Get(slug string) (contracts.BookClient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	book, exists := r.books[slug]
	return book, exists
}

// Primary returns the registered primary book, if any.
func (r *BookRegistry) Primary() (contracts.BookClient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, b := range r.books {
		if b.Role() == models.RolePrimary {
			return b, true
		}
	}
	return nil, false
}

// Enabled returns the registered books whose slug passes the filter.
func (r *BookRegistry) Enabled(enabled func(slug string) bool) []contracts.BookClient {
	r.mu.RLock()
	defer r.mu.RUnlock()

	books := make([]contracts.BookClient, 0, len(r.books))
	for slug, b := range r.books {
		if enabled(slug) {
			books = append(books, b)
		}
	}
	return books
}

// Count returns the number of registered books.
func (r *BookRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.books)
}
