package replay

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("file session not found")
	ErrAlreadyClaimed = errors.New("file session already claimed")
)

// FileSession holds one uploaded file and the chunks read from it. Chunks are
// appended during ingestion and only read afterwards.
type FileSession struct {
	Token string
	Path  string

	mu       sync.RWMutex
	chunks   [][]byte
	complete bool
	err      error
	removed  bool
	claimed  bool
}

func (f *FileSession) Append(chunk []byte) {
	f.mu.Lock()
	f.chunks = append(f.chunks, chunk)
	f.mu.Unlock()
}

func (f *FileSession) MarkComplete() {
	f.mu.Lock()
	f.complete = true
	f.mu.Unlock()
}

func (f *FileSession) Fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *FileSession) Complete() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.complete
}

func (f *FileSession) Err() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.err
}

func (f *FileSession) Removed() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.removed
}

func (f *FileSession) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.chunks)
}

// Chunks returns a snapshot of the buffered chunks in arrival order.
func (f *FileSession) Chunks() [][]byte {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([][]byte(nil), f.chunks...)
}

// Registry maps file tokens to their sessions from upload until the relay
// session that replays them closes.
type Registry struct {
	dir      string
	sessions map[string]*FileSession
	mu       sync.RWMutex
	log      *slog.Logger
}

func NewRegistry(dir string, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		dir:      dir,
		sessions: make(map[string]*FileSession),
		log:      log.With("component", "file_registry"),
	}
}

func (r *Registry) Dir() string {
	return r.dir
}

func (r *Registry) EnsureDir() error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create uploads dir: %w", err)
	}
	return nil
}

func (r *Registry) Create(originalName string) *FileSession {
	token := uuid.New().String()
	fs := &FileSession{
		Token: token,
		Path:  filepath.Join(r.dir, token+"-"+sanitizeName(originalName)),
	}

	r.mu.Lock()
	r.sessions[token] = fs
	r.mu.Unlock()

	r.log.Info("file session created", "file_id", token, "path", fs.Path)
	return fs
}

// Claim hands the file session to the relay session that will replay it.
// Each token can be claimed once.
func (r *Registry) Claim(token string) (*FileSession, error) {
	r.mu.RLock()
	fs, ok := r.sessions[token]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.claimed || fs.removed {
		return nil, ErrAlreadyClaimed
	}
	fs.claimed = true
	return fs, nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Remove drops the session and deletes its file. Unknown tokens are a no-op,
// so the file is deleted at most once.
func (r *Registry) Remove(token string) error {
	r.mu.Lock()
	fs, ok := r.sessions[token]
	delete(r.sessions, token)
	r.mu.Unlock()

	if !ok {
		return nil
	}

	fs.mu.Lock()
	fs.removed = true
	fs.chunks = nil
	fs.mu.Unlock()

	if err := os.Remove(fs.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", fs.Path, err)
	}
	r.log.Info("file session removed", "file_id", token)
	return nil
}

func sanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "audio"
	}
	return name
}
