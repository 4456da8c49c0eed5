package journal

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound = errors.New("journal not found")
	ErrCorrupt  = errors.New("journal corrupt")
)

// Store serializes journal commits for one staging directory. Every
// commit writes journal.tmp and atomically renames it over journal, so
// a torn write never leaves a partially valid record behind.
type Store struct {
	dir *Dir
	mu  sync.Mutex
	log zerolog.Logger
}

func NewStore(dir *Dir) *Store {
	return &Store{
		dir: dir,
		log: log.With().Str("component", "journal").Logger(),
	}
}

// Load reads the journal and reconciles it against the staging files.
// Reconciliation rules:
//   - completed segments are kept only when their file size equals the
//     segment length
//   - every other segment is demoted to pending and adopts the staging
//     file size as its byte count (zero when the file is missing),
//     whatever its previous status
//   - staging files larger than the segment are removed and the segment
//     reset to zero bytes
func (s *Store) Load() (*Journal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.dir.JournalPath())
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var jnl Journal
	if err := json.Unmarshal(data, &jnl); err != nil {
		s.log.Debug().Err(err).Msg("Journal failed to parse")
		return nil, ErrCorrupt
	}
	if jnl.Version != SchemaVersion {
		s.log.Debug().Int("version", jnl.Version).Msg("Unknown journal version")
		return nil, ErrCorrupt
	}
	s.reconcile(&jnl)
	return &jnl, nil
}

func (s *Store) reconcile(jnl *Journal) {
	for i := range jnl.Segments {
		seg := &jnl.Segments[i]
		info, err := os.Stat(s.dir.SegmentPath(seg.Index))
		size := int64(0)
		if err == nil {
			size = info.Size()
		}
		switch {
		case seg.Status == StatusCompleted && seg.Length() >= 0 && size == seg.Length():
			// trustworthy, keep as is
		case seg.Length() >= 0 && size > seg.Length():
			s.log.Debug().Int("segment", seg.Index).Int64("size", size).Msg("Staging file larger than segment, resetting")
			os.Remove(s.dir.SegmentPath(seg.Index))
			seg.Status = StatusPending
			seg.BytesWritten = 0
			seg.Digest = ""
		default:
			seg.Status = StatusPending
			seg.BytesWritten = size
			seg.Digest = ""
		}
	}
}

// Commit durably replaces the journal with a snapshot of jnl.
func (s *Store) Commit(jnl *Journal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(jnl)
}

func (s *Store) commitLocked(jnl *Journal) error {
	snapshot := jnl.Clone()
	snapshot.Version = SchemaVersion
	snapshot.UpdatedAt = time.Now().UTC()
	jnl.UpdatedAt = snapshot.UpdatedAt
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.dir.journalTempPath()
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.dir.JournalPath())
}

// Apply mutates the journal under the store lock and commits the result.
func (s *Store) Apply(jnl *Journal, mutate func(*Journal)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(jnl)
	return s.commitLocked(jnl)
}

// UpdateSegment mutates one segment under the store lock and commits.
func (s *Store) UpdateSegment(jnl *Journal, index int, mutate func(*Segment)) error {
	return s.Apply(jnl, func(j *Journal) {
		mutate(&j.Segments[index])
	})
}

// Dir exposes the staging directory the store commits into.
func (s *Store) Dir() *Dir {
	return s.dir
}
