package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/TemporalDynamics/ecosign-sub002/pkg/ledger"
)

// MemoryEntityStore keeps documents in a map. It enforces the same grow-only
// contract as the SQL stores so tests exercise the real failure paths.
type MemoryEntityStore struct {
	mu   sync.Mutex
	docs map[string]*ledger.Document
}

func NewMemoryEntityStore() *MemoryEntityStore {
	return &MemoryEntityStore{docs: make(map[string]*ledger.Document)}
}

func (s *MemoryEntityStore) Create(_ context.Context, doc *ledger.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[doc.ID]; ok {
		return fmt.Errorf("store: document %s already exists", doc.ID)
	}
	cp, err := cloneDoc(doc)
	if err != nil {
		return err
	}
	s.docs[doc.ID] = cp
	return nil
}

func (s *MemoryEntityStore) Get(_ context.Context, id string) (*ledger.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return cloneDoc(doc)
}

func (s *MemoryEntityStore) Update(_ context.Context, id string, mutate func(doc *ledger.Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return ledger.ErrNotFound
	}
	work, err := cloneDoc(doc)
	if err != nil {
		return err
	}
	priorEvents, err := json.Marshal(work.Events)
	if err != nil {
		return fmt.Errorf("store: encode prior events: %w", err)
	}
	priorCount := len(work.Events)

	if err := mutate(work); err != nil {
		return err
	}
	if err := verifyGrowOnly(work, priorEvents, priorCount); err != nil {
		return err
	}
	s.docs[id] = work
	return nil
}

func cloneDoc(doc *ledger.Document) (*ledger.Document, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("store: clone document: %w", err)
	}
	var cp ledger.Document
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("store: clone document: %w", err)
	}
	return &cp, nil
}
