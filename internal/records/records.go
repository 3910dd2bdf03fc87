// Package records persists consultation notes, prescriptions, and recording
// references to the clinical-record store.
package records

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var ErrEmptySessionID = errors.New("records: session id is required")

// Store is the clinical-record store as seen by a consultation.
type Store interface {
	// AppendNotes adds text to the end of the session's notes.
	AppendNotes(ctx context.Context, sessionID, text string) error
	// SavePrescription replaces the session's prescription.
	SavePrescription(ctx context.Context, sessionID, text string) error
	// FinalizeRecording binds an uploaded recording to the session. Binding
	// the same ref twice is a no-op.
	FinalizeRecording(ctx context.Context, sessionID, artifactRef string) error
}

// Saved is what the store holds for one session.
type Saved struct {
	Notes        string
	Prescription string
}

// Loader is implemented by stores that can read a session's record back.
type Loader interface {
	Load(ctx context.Context, sessionID string) (Saved, error)
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu            sync.Mutex
	notes         map[string]*strings.Builder
	prescriptions map[string]string
	recordings    map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		notes:         make(map[string]*strings.Builder),
		prescriptions: make(map[string]string),
		recordings:    make(map[string][]string),
	}
}

func (s *MemoryStore) AppendNotes(_ context.Context, sessionID, text string) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.notes[sessionID]
	if b == nil {
		b = &strings.Builder{}
		s.notes[sessionID] = b
	}
	b.WriteString(text)
	return nil
}

func (s *MemoryStore) SavePrescription(_ context.Context, sessionID, text string) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	s.mu.Lock()
	s.prescriptions[sessionID] = text
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) FinalizeRecording(_ context.Context, sessionID, artifactRef string) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ref := range s.recordings[sessionID] {
		if ref == artifactRef {
			return nil
		}
	}
	s.recordings[sessionID] = append(s.recordings[sessionID], artifactRef)
	return nil
}

func (s *MemoryStore) Notes(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b := s.notes[sessionID]; b != nil {
		return b.String()
	}
	return ""
}

func (s *MemoryStore) Prescription(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prescriptions[sessionID]
}

func (s *MemoryStore) Load(_ context.Context, sessionID string) (Saved, error) {
	return Saved{Notes: s.Notes(sessionID), Prescription: s.Prescription(sessionID)}, nil
}

func (s *MemoryStore) Recordings(sessionID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.recordings[sessionID]...)
}
