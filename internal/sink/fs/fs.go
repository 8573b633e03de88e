// Package fs implementa la Publication Sink sobre un directorio local
// (ej: servido por un CDN o por `jwksctl serve`). En root solo quedan los
// documentos publicados: la metadata (content type, cache control, stamp y
// digest del cuerpo) y los temporales viven en un directorio de estado fuera
// de root, en el mismo filesystem para que el rename sea atómico.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dropDatabas3/hellojohn-jwks/internal/sink"
)

func init() { sink.Register(driver{}) }

type driver struct{}

func (driver) Name() string { return "fs" }

func (driver) Open(_ context.Context, cfg sink.Config) (sink.Sink, error) {
	return New(cfg.Root, cfg.StateDir)
}

type meta struct {
	ContentType  string `json:"content_type"`
	CacheControl string `json:"cache_control,omitempty"`
	Stamp        int64  `json:"stamp,omitempty"`
	SHA256       string `json:"sha256"`
}

// Sink publica en root. Las escrituras condicionales son atómicas dentro del
// proceso (mutex); entre procesos rige last write wins.
type Sink struct {
	root  string
	state string
	mu    sync.Mutex
}

// DefaultStateDir es el directorio de estado hermano de root:
// /srv/jwks -> /srv/.jwks.sink-state.
func DefaultStateDir(root string) string {
	return filepath.Join(filepath.Dir(root), "."+filepath.Base(root)+".sink-state")
}

// New crea la sink; root y state se crean si no existen. state vacío usa
// DefaultStateDir(root). state no puede estar dentro de root.
func New(root, state string) (*Sink, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("sink/fs: root required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("sink/fs: %w", err)
	}
	if strings.TrimSpace(state) == "" {
		state = DefaultStateDir(abs)
	}
	stateAbs, err := filepath.Abs(state)
	if err != nil {
		return nil, fmt.Errorf("sink/fs: %w", err)
	}
	if within(abs, stateAbs) {
		return nil, fmt.Errorf("sink/fs: state dir %q must be outside root %q", stateAbs, abs)
	}
	for _, d := range []string{abs, filepath.Join(stateAbs, "tmp"), filepath.Join(stateAbs, "meta")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("sink/fs: mkdir %s: %w", d, err)
		}
	}
	return &Sink{root: abs, state: stateAbs}, nil
}

func (s *Sink) Put(_ context.Context, obj sink.Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(obj)
}

func (s *Sink) PutIfNewer(_ context.Context, obj sink.Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rel, err := clean(obj.Path)
	if err != nil {
		return err
	}
	body, err := os.ReadFile(filepath.Join(s.root, rel))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s.putLocked(obj)
	case err != nil:
		return fmt.Errorf("sink/fs: read: %w", err)
	}
	if cur, ok := s.readMeta(rel, body); ok && cur.Stamp >= obj.Stamp {
		return sink.ErrStale
	}
	return s.putLocked(obj)
}

func (s *Sink) Get(_ context.Context, path string) (sink.Object, error) {
	rel, err := clean(path)
	if err != nil {
		return sink.Object{}, err
	}
	body, err := os.ReadFile(filepath.Join(s.root, rel))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return sink.Object{}, sink.ErrNotFound
		}
		return sink.Object{}, fmt.Errorf("sink/fs: read: %w", err)
	}
	obj := sink.Object{Path: path, Body: body}
	if m, ok := s.readMeta(rel, body); ok {
		obj.ContentType = m.ContentType
		obj.CacheControl = m.CacheControl
		obj.Stamp = m.Stamp
	}
	return obj, nil
}

func (s *Sink) Close() error { return nil }

// putLocked escribe cuerpo y después metadata. Si el proceso cae entre los
// dos renames el digest no coincide y la metadata vieja se ignora.
func (s *Sink) putLocked(obj sink.Object) error {
	rel, err := clean(obj.Path)
	if err != nil {
		return err
	}
	tmpDir := filepath.Join(s.state, "tmp")
	if err := writeAtomic(filepath.Join(s.root, rel), tmpDir, obj.Body, 0o644); err != nil {
		return fmt.Errorf("sink/fs: write %s: %w", obj.Path, err)
	}
	mb, err := json.Marshal(meta{
		ContentType:  obj.ContentType,
		CacheControl: obj.CacheControl,
		Stamp:        obj.Stamp,
		SHA256:       digest(obj.Body),
	})
	if err != nil {
		return fmt.Errorf("sink/fs: meta: %w", err)
	}
	if err := writeAtomic(s.metaFile(rel), tmpDir, mb, 0o644); err != nil {
		return fmt.Errorf("sink/fs: write meta %s: %w", obj.Path, err)
	}
	return nil
}

// readMeta devuelve la metadata solo si corresponde a body.
func (s *Sink) readMeta(rel string, body []byte) (meta, bool) {
	var m meta
	b, err := os.ReadFile(s.metaFile(rel))
	if err != nil {
		return m, false
	}
	if err := json.Unmarshal(b, &m); err != nil || m.SHA256 != digest(body) {
		return meta{}, false
	}
	return m, true
}

func (s *Sink) metaFile(rel string) string {
	return filepath.Join(s.state, "meta", rel+".json")
}

// clean valida el path lógico y lo deja relativo a root.
func clean(path string) (string, error) {
	c := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(path, "/")))
	if c == "." || c == ".." || strings.HasPrefix(c, ".."+string(filepath.Separator)) || filepath.IsAbs(c) {
		return "", fmt.Errorf("sink/fs: invalid path %q", path)
	}
	return c, nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
