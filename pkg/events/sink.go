package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/netraven/netraven/pkg/log"
	"github.com/netraven/netraven/pkg/storage"
	"github.com/netraven/netraven/pkg/types"
)

// Publisher mirrors entries to an external channel. Implemented by
// RedisPublisher; nil means no mirror is configured.
type Publisher interface {
	Publish(entry *types.JobLogEntry)
}

// Sink is the single write path for job logs. Every entry is redacted
// first, then persisted, then offered to live subscribers and the optional
// external mirror. Entries that fail to persist are still streamed so an
// operator watching live output sees them.
type Sink struct {
	store    storage.Store
	redactor *log.Redactor
	hub      *Hub
	mirror   Publisher

	mu   sync.Mutex
	seqs map[string]uint64 // per (run, device) sequence counters
}

// NewSink wires the log pipeline. mirror may be nil.
func NewSink(store storage.Store, redactor *log.Redactor, hub *Hub, mirror Publisher) *Sink {
	return &Sink{
		store:    store,
		redactor: redactor,
		hub:      hub,
		mirror:   mirror,
		seqs:     make(map[string]uint64),
	}
}

func (s *Sink) nextSeq(runID, deviceID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := runID + "/" + deviceID
	s.seqs[key]++
	return s.seqs[key]
}

// Log records one entry. deviceID is empty for run-level entries.
func (s *Sink) Log(runID, deviceID string, level types.LogLevel, category types.LogCategory, message string, ctx map[string]string) {
	entry := &types.JobLogEntry{
		ID:        uuid.New().String(),
		JobRunID:  runID,
		DeviceID:  deviceID,
		Seq:       s.nextSeq(runID, deviceID),
		Timestamp: time.Now().UTC(),
		Level:     level,
		Category:  category,
		Message:   s.redactor.Redact(message),
		Context:   s.redactor.RedactMap(ctx),
	}

	if err := s.store.AppendJobLog(entry); err != nil {
		log.WithJobRunID(runID).Error().Err(err).Msg("failed to persist job log entry")
	}

	if s.hub != nil {
		s.hub.Publish(entry)
	}
	if s.mirror != nil {
		s.mirror.Publish(entry)
	}
}

// Forget drops the sequence counters for a finished run.
func (s *Sink) Forget(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.seqs {
		if len(key) > len(runID) && key[:len(runID)] == runID && key[len(runID)] == '/' {
			delete(s.seqs, key)
		}
	}
}
