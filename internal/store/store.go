// Package store keeps captured emails in memory for the read API.
package store

import (
	"context"
	"errors"
	"sync"

	"github.com/shineum/smtp-capture-lite/internal/email"
	"github.com/shineum/smtp-capture-lite/internal/metrics"
)

// ErrNotFound is returned when no email has the requested id.
var ErrNotFound = errors.New("email not found")

const (
	// DefaultPageSize is used when a page request has no size.
	DefaultPageSize = 10
	// MinPageSize and MaxPageSize bound the size of a page.
	MinPageSize = 10
	MaxPageSize = 500
)

// Store is an in-memory email repository. It is a Listener, so the SMTP
// server writes to it like to any other consumer. Once more than maxEmails
// are held the oldest are dropped.
type Store struct {
	mu        sync.RWMutex
	maxEmails int

	// emails is ordered by arrival, oldest first.
	emails []*email.Email
	byID   map[string]*email.Email
}

// New creates a Store retaining at most maxEmails; 0 means unlimited.
func New(maxEmails int) *Store {
	return &Store{
		maxEmails: maxEmails,
		byID:      make(map[string]*email.Email),
	}
}

// OnMessageReceived saves msg.
func (s *Store) OnMessageReceived(_ context.Context, msg *email.Email) error {
	s.Save(msg)
	return nil
}

// Name returns the listener name.
func (s *Store) Name() string {
	return "store"
}

// Save adds msg, replacing an email with the same id, and applies retention.
func (s *Store) Save(msg *email.Email) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[msg.ID]; ok {
		s.removeLocked(msg.ID)
	}
	s.emails = append(s.emails, msg)
	s.byID[msg.ID] = msg

	if s.maxEmails > 0 && len(s.emails) > s.maxEmails {
		drop := len(s.emails) - s.maxEmails
		for _, old := range s.emails[:drop] {
			delete(s.byID, old.ID)
		}
		s.emails = append([]*email.Email(nil), s.emails[drop:]...)
	}
	metrics.StoredEmails.Set(float64(len(s.emails)))
}

// Get returns the email with the given id.
func (s *Store) Get(id string) (*email.Email, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return msg, nil
}

// PageRequest selects a page of emails. Page is zero based.
type PageRequest struct {
	Page      int
	Size      int
	Ascending bool
}

// normalize applies the default size and clamps size and page.
func (r PageRequest) normalize() PageRequest {
	switch {
	case r.Size <= 0:
		r.Size = DefaultPageSize
	case r.Size < MinPageSize:
		r.Size = MinPageSize
	case r.Size > MaxPageSize:
		r.Size = MaxPageSize
	}
	if r.Page < 0 {
		r.Page = 0
	}
	return r
}

// Page is one page of emails, newest first unless ascending was requested.
type Page struct {
	Content       []*email.Email `json:"content"`
	Page          int            `json:"page"`
	Size          int            `json:"size"`
	TotalElements int            `json:"totalElements"`
	TotalPages    int            `json:"totalPages"`
}

// List returns the requested page ordered by receive time.
func (s *Store) List(req PageRequest) Page {
	req = req.normalize()

	s.mu.RLock()
	defer s.mu.RUnlock()

	total := len(s.emails)
	page := Page{
		Content:       []*email.Email{},
		Page:          req.Page,
		Size:          req.Size,
		TotalElements: total,
		TotalPages:    (total + req.Size - 1) / req.Size,
	}

	start := req.Page * req.Size
	if start >= total {
		return page
	}
	end := min(start+req.Size, total)

	for i := start; i < end; i++ {
		idx := i
		if !req.Ascending {
			idx = total - 1 - i
		}
		page.Content = append(page.Content, s.emails[idx])
	}
	return page
}

// Delete removes the email with the given id.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; !ok {
		return ErrNotFound
	}
	s.removeLocked(id)
	metrics.StoredEmails.Set(float64(len(s.emails)))
	return nil
}

// DeleteAll removes every email.
func (s *Store) DeleteAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.emails = nil
	s.byID = make(map[string]*email.Email)
	metrics.StoredEmails.Set(0)
}

// Count returns the number of stored emails.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.emails)
}

func (s *Store) removeLocked(id string) {
	delete(s.byID, id)
	for i, msg := range s.emails {
		if msg.ID == id {
			s.emails = append(s.emails[:i], s.emails[i+1:]...)
			return
		}
	}
}
