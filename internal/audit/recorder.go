// Package audit records one event per state transition for external
// consumers. The core never depends on whether anything is listening.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"

	"github.com/jfenner/foreman/internal/models"
	"github.com/jfenner/foreman/internal/store"
)

// Recorder writes audit events to the store.
type Recorder struct {
	store *store.Store
}

// NewRecorder creates a new event recorder.
func NewRecorder(s *store.Store) *Recorder {
	return &Recorder{store: s}
}

// Record writes an event, hashing the inputs that drove the transition so
// the retry history can be reconstructed and compared. Write failures are
// logged, never propagated: an audit failure must not fail the transition.
func (r *Recorder) Record(e models.Event, inputs interface{}) {
	e.InputsHash = hashInputs(inputs)
	if err := r.store.WriteEvent(&e); err != nil {
		log.Printf("audit: failed to record %s for task %s: %v", e.Kind, e.TaskID, err)
	}
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs interface{}) string {
	if inputs == nil {
		return ""
	}
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
