package spool

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// NoteDelta is journaled text appended to a session's notes but not yet
// confirmed saved by the record store.
type NoteDelta struct {
	Seq  uint64 `json:"seq"`
	Text string `json:"text"`
}

// Keys sort by zero-padded sequence so a prefix scan replays in order.
func noteKey(sessionID string, seq uint64) string {
	return fmt.Sprintf("%s%s:%019d", prefixNotes, sessionID, seq)
}

func (s *Spool) JournalNote(sessionID string, d NoteDelta) error {
	return s.put(noteKey(sessionID, d.Seq), d)
}

func (s *Spool) UnsavedNotes(sessionID string) ([]NoteDelta, error) {
	var out []NoteDelta
	err := s.scan(prefixNotes+sessionID+":", func(_, val []byte) error {
		var d NoteDelta
		if err := json.Unmarshal(val, &d); err != nil {
			return err
		}
		out = append(out, d)
		return nil
	})
	return out, err
}

// AckNotes removes journaled deltas with Seq <= upTo.
func (s *Spool) AckNotes(sessionID string, upTo uint64) error {
	var keys [][]byte
	err := s.scan(prefixNotes+sessionID+":", func(key, val []byte) error {
		var d NoteDelta
		if err := json.Unmarshal(val, &d); err != nil {
			return err
		}
		if d.Seq <= upTo {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// JournalPrescription records the latest unsaved prescription text.
func (s *Spool) JournalPrescription(sessionID, text string) error {
	return s.put(prefixRx+sessionID, text)
}

func (s *Spool) UnsavedPrescription(sessionID string) (string, bool, error) {
	var text string
	err := s.get(prefixRx+sessionID, &text)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return text, true, nil
}

// AckPrescription clears the journaled prescription if it still equals text.
func (s *Spool) AckPrescription(sessionID, text string) error {
	current, ok, err := s.UnsavedPrescription(sessionID)
	if err != nil || !ok || current != text {
		return err
	}
	return s.delete(prefixRx + sessionID)
}
