package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrArtifactExists is wrapped by WriteFailure when the final name is taken.
var ErrArtifactExists = errors.New("artifact already exists")

// ErrDigestMismatch is returned by Verify.
var ErrDigestMismatch = errors.New("artifact digest mismatch")

// WriteFailure reports an artifact that could not be durably stored.
type WriteFailure struct {
	Path string
	Err  error
}

func (e *WriteFailure) Error() string {
	return fmt.Sprintf("write artifact %s: %v", e.Path, e.Err)
}

func (e *WriteFailure) Unwrap() error { return e.Err }

// Artifact is an immutable committed output.
type Artifact struct {
	Kind      Kind      `json:"kind"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	SHA256    string    `json:"sha256"`
	Identity  Identity  `json:"identity"`
	CreatedAt time.Time `json:"created_at"`
}

// Store owns the artifacts directory. Names are unique per job identity, so
// commits from different jobs need no locking.
type Store struct {
	dir string
}

// NewStore creates dir when missing.
func NewStore(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrap(err, "resolve artifacts dir")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrap(err, "create artifacts dir")
	}
	return &Store{dir: abs}, nil
}

// Dir returns the absolute artifacts directory.
func (s *Store) Dir() string { return s.dir }

// Commit streams r into the artifact named after id and kind. Either the
// fully written file exists with its digest recorded, or nothing does.
func (s *Store) Commit(id Identity, kind Kind, r io.Reader) (Artifact, error) {
	name, err := FileName(id, kind)
	if err != nil {
		return Artifact{}, &WriteFailure{Path: filepath.Join(s.dir, id.Prefix()), Err: err}
	}
	art, err := s.commit(name, r)
	if err != nil {
		return Artifact{}, err
	}
	art.Kind = kind
	art.Identity = id
	log.Info().Str("artifact", art.Path).Str("kind", string(kind)).
		Int64("size", art.SizeBytes).Str("sha256", art.SHA256).Msg("artifact committed")
	return art, nil
}

// CommitFile stores a file that is not tied to a single job, e.g. a report.
func (s *Store) CommitFile(name string, r io.Reader) (Artifact, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return Artifact{}, &WriteFailure{Path: name, Err: errors.New("invalid artifact file name")}
	}
	art, err := s.commit(name, r)
	if err != nil {
		return Artifact{}, err
	}
	art.Kind = KindReport
	return art, nil
}

func (s *Store) commit(name string, r io.Reader) (Artifact, error) {
	final := filepath.Join(s.dir, name)
	if _, err := os.Lstat(final); err == nil {
		return Artifact{}, &WriteFailure{Path: final, Err: ErrArtifactExists}
	}

	tmp, err := os.CreateTemp(s.dir, "."+name+".*.partial")
	if err != nil {
		return Artifact{}, &WriteFailure{Path: final, Err: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	hasher := sha256.New()
	size, err := io.Copy(tmp, io.TeeReader(r, hasher))
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return Artifact{}, &WriteFailure{Path: final, Err: err}
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return Artifact{}, &WriteFailure{Path: final, Err: err}
	}
	if err := publish(tmpName, final); err != nil {
		return Artifact{}, &WriteFailure{Path: final, Err: err}
	}
	return Artifact{
		Path:      final,
		SizeBytes: size,
		SHA256:    hex.EncodeToString(hasher.Sum(nil)),
		CreatedAt: time.Now(),
	}, nil
}

// publish moves tmp to final without replacing an existing file. A hard link
// fails atomically when final exists; filesystems without link support fall
// back to check-then-rename.
func publish(tmp, final string) error {
	err := os.Link(tmp, final)
	if err == nil {
		return nil
	}
	if os.IsExist(err) {
		return ErrArtifactExists
	}
	if _, statErr := os.Lstat(final); statErr == nil {
		return ErrArtifactExists
	}
	return os.Rename(tmp, final)
}

// Exists reports whether a file with name is present in the store.
func (s *Store) Exists(name string) bool {
	_, err := os.Lstat(filepath.Join(s.dir, name))
	return err == nil
}

// Open returns a reader for a committed file name.
func (s *Store) Open(name string) (*os.File, error) {
	if name != filepath.Base(name) {
		return nil, errors.Errorf("invalid artifact file name %q", name)
	}
	return os.Open(filepath.Join(s.dir, name))
}

// Remove deletes a committed artifact of this store. It is used to take
// back the outputs of a stage that failed after a partial commit.
func (s *Store) Remove(a Artifact) error {
	if filepath.Dir(a.Path) != s.dir {
		return errors.Errorf("artifact %s is not in %s", a.Path, s.dir)
	}
	if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", a.Path)
	}
	log.Info().Str("artifact", a.Path).Str("kind", string(a.Kind)).Msg("artifact removed")
	return nil
}

// Verify recomputes the digest of a over its bytes on disk.
func (s *Store) Verify(a Artifact) error {
	sum, size, err := Digest(a.Path)
	if err != nil {
		return err
	}
	if sum != a.SHA256 || size != a.SizeBytes {
		return errors.Wrapf(ErrDigestMismatch, "%s: recorded %s (%d bytes), actual %s (%d bytes)",
			a.Path, a.SHA256, a.SizeBytes, sum, size)
	}
	return nil
}

// List returns committed artifacts of id, ordered img, zip, log.
func (s *Store) List(id Identity) ([]Artifact, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, id.Prefix()+"*"))
	if err != nil {
		return nil, errors.Wrap(err, "glob artifacts")
	}
	var out []Artifact
	for _, path := range matches {
		got, kind, err := ParseFileName(filepath.Base(path))
		if err != nil || got != id {
			continue
		}
		sum, size, err := Digest(path)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, errors.Wrap(err, "stat artifact")
		}
		out = append(out, Artifact{Kind: kind, Path: path, SizeBytes: size, SHA256: sum, Identity: id, CreatedAt: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return kindOrder(out[i].Kind) < kindOrder(out[j].Kind) })
	return out, nil
}

// Digest returns the hex SHA-256 and size of the file at path.
func Digest(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, errors.Wrap(err, "open artifact")
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, errors.Wrap(err, "hash artifact")
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func kindOrder(k Kind) int {
	switch k {
	case KindImage:
		return 0
	case KindZip:
		return 1
	case KindLog:
		return 2
	default:
		return 3
	}
}
