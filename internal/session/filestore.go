package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// FileStore keeps one indented JSON document per session in a directory.
type FileStore struct {
	dir string
	log zerolog.Logger
	mu  sync.Mutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string, log zerolog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create sessions directory: %w", err)
	}
	return &FileStore{dir: dir, log: log.With().Str("component", "session").Logger()}, nil
}

// Health reports whether the sessions directory is still usable.
func (s *FileStore) Health(ctx context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("sessions directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("sessions directory %s is not a directory", s.dir)
	}
	return nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Create implements Store.
func (s *FileStore) Create(ctx context.Context, title string) (*Session, error) {
	if title == "" {
		title = DefaultTitle
	}
	sess := &Session{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: time.Now().UTC(),
		History:   []Turn{},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(sess); err != nil {
		return nil, err
	}
	s.log.Debug().Str("session_id", sess.ID).Msg("session created")
	return sess, nil
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, id string) (*Session, error) {
	if !validID(id) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.read(s.path(id))
}

// ListRecent implements Store. Unreadable files are logged and skipped.
func (s *FileStore) ListRecent(ctx context.Context) ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read sessions directory: %w", err)
	}

	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		sess, err := s.read(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.log.Warn().Err(err).Str("file", e.Name()).Msg("skipping unreadable session")
			continue
		}
		title := sess.Title
		if title == "" {
			title = "Untitled"
		}
		out = append(out, Summary{ID: sess.ID, Title: title, CreatedAt: sess.CreatedAt})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Update implements Store.
func (s *FileStore) Update(ctx context.Context, id string, history []Turn, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	sess.History = CloneHistory(history)
	if title != "" {
		sess.Title = title
	}
	return s.write(sess)
}

// Delete implements Store.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	if !validID(id) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// CleanupEmpty implements Store.
func (s *FileStore) CleanupEmpty(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read sessions directory: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		p := filepath.Join(s.dir, e.Name())
		sess, err := s.read(p)
		if err != nil {
			continue
		}
		if len(sess.History) > 0 {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove empty session %s: %w", sess.ID, err)
		}
		removed++
	}
	if removed > 0 {
		s.log.Info().Int("removed", removed).Msg("removed empty sessions")
	}
	return removed, nil
}

func (s *FileStore) read(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			id := strings.TrimSuffix(filepath.Base(path), ".json")
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("read session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", filepath.Base(path), err)
	}
	if sess.History == nil {
		sess.History = []Turn{}
	}
	return &sess, nil
}

// write replaces the session file via a temporary file and rename so a
// crash never leaves a truncated document.
func (s *FileStore) write(sess *Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write session: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close session: %w", err)
	}
	if err := os.Rename(tmpName, s.path(sess.ID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit session: %w", err)
	}
	return nil
}

// validID rejects ids that could escape the sessions directory.
func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && id != "." && id != ".."
}
