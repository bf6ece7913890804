// Package checkpoint implements the Checkpoint Store: named, immutable
// rootfs snapshots with a JSON manifest, atomic-rename commit discipline,
// and copy-on-run attachment.
//
// Grounded in two places: the on-disk JSON-file persistence idiom comes
// from the teacher's internal/session.Store (Save/Load/List/Delete against
// one file per record); the commit semantics come from original_source's
// checkpoint.rs, upgraded per §4.8/§12 to use a temp-file-then-rename
// instead of a plain fs.copy, and to write a manifest at all (the original
// has none — list() there just stats *.ext4 files by mtime).
package checkpoint

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

// NamePattern is the invariant from DATA MODEL: Checkpoint.
var NamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// Manifest is the small JSON file committed alongside each checkpoint's
// ext4 image.
type Manifest struct {
	Name      string    `json:"name"`
	Parent    string    `json:"parent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store manages the on-disk checkpoint directory:
//
//	<dir>/<NAME>.ext4
//	<dir>/<NAME>.json
//	<dir>/<NAME>.lock   (best-effort "a live session is using this" marker)
type Store struct {
	dir string
}

// NewStore returns a Store rooted at dir, creating it if necessary.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("checkpoint: create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// ValidateName enforces the Checkpoint.Name invariant.
func ValidateName(name string) error {
	if !NamePattern.MatchString(name) {
		return fmt.Errorf("checkpoint: invalid name %q: must match %s", name, NamePattern.String())
	}
	return nil
}

func (s *Store) imagePath(name string) string    { return filepath.Join(s.dir, name+".ext4") }
func (s *Store) manifestPath(name string) string { return filepath.Join(s.dir, name+".json") }
func (s *Store) lockPath(name string) string     { return filepath.Join(s.dir, name+".lock") }

// Exists reports whether a checkpoint with the given name has a committed
// image and manifest.
func (s *Store) Exists(name string) bool {
	_, imgErr := os.Stat(s.imagePath(name))
	_, manErr := os.Stat(s.manifestPath(name))
	return imgErr == nil && manErr == nil
}

// ImagePath returns the on-disk path of a checkpoint's immutable image.
// Callers must not mutate the returned file.
func (s *Store) ImagePath(name string) string { return s.imagePath(name) }

// Commit atomically publishes scratchPath as the checkpoint NAME's image,
// renaming it into the store and writing its manifest. scratchPath is
// consumed: on success it no longer exists at its old location (it *is*
// the new image); on failure the caller is responsible for deleting it.
func (s *Store) Commit(name, parent, scratchPath string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	manifest := Manifest{Name: name, Parent: parent, CreatedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(&manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal manifest: %w", err)
	}

	manifestTmp := s.manifestPath(name) + ".tmp"
	if err := os.WriteFile(manifestTmp, data, 0644); err != nil {
		return fmt.Errorf("checkpoint: write manifest: %w", err)
	}

	imageDst := s.imagePath(name)
	if err := os.Rename(scratchPath, imageDst); err != nil {
		os.Remove(manifestTmp)
		return fmt.Errorf("checkpoint: commit image: %w", err)
	}

	if err := os.Rename(manifestTmp, s.manifestPath(name)); err != nil {
		// The image already moved; roll it back so list() never sees a
		// checkpoint with no manifest.
		os.Remove(imageDst)
		return fmt.Errorf("checkpoint: commit manifest: %w", err)
	}

	return nil
}

// List enumerates manifests, most recently created first.
func (s *Store) List() ([]Manifest, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}

	var manifests []Manifest
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		manifests = append(manifests, m)
	}

	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].CreatedAt.After(manifests[j].CreatedAt)
	})
	return manifests, nil
}

// Delete removes a checkpoint's image and manifest, refusing if a live
// session has locked it (see Lock/Unlock).
func (s *Store) Delete(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if !s.Exists(name) {
		return fmt.Errorf("checkpoint: %q not found", name)
	}
	if _, err := os.Stat(s.lockPath(name)); err == nil {
		return fmt.Errorf("checkpoint: %q is in use by a running session", name)
	}

	// Image first: if the process dies between the two removals, a
	// dangling manifest with no image is cheap to detect and clean up
	// later, whereas a dangling image with no manifest could be mistaken
	// for a checkpoint's commit having raced with this delete.
	if err := os.Remove(s.imagePath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("checkpoint: delete image: %w", err)
	}
	if err := os.Remove(s.manifestPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("checkpoint: delete manifest: %w", err)
	}
	return nil
}

// Lock marks NAME as in-use by the current process for the duration of a
// `run --from NAME` session, so a concurrent `checkpoint delete` can
// refuse. Unlock must be called (typically via defer) once the session's
// scratch copy has been made; the lock only needs to outlive the copy, not
// the whole session, since after the copy the checkpoint image itself is
// never touched again.
func (s *Store) Lock(name string) (func(), error) {
	f, err := os.OpenFile(s.lockPath(name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			// Another session is already copying from this checkpoint;
			// that's fine, locks are shared-advisory, not exclusive.
			return func() {}, nil
		}
		return nil, fmt.Errorf("checkpoint: lock %q: %w", name, err)
	}
	f.Close()
	return func() { os.Remove(s.lockPath(name)) }, nil
}

// CopyToScratch copies the image at srcPath (a checkpoint's image or the
// base rootfs) into a fresh scratch file at dstPath, attempting a reflink
// (clonefile(2) on darwin; other platforms have none) and falling back to
// a dense copy, per §4.8's "reflink when possible, else dense copy".
func CopyToScratch(srcPath, dstPath string) error {
	if err := tryReflink(srcPath, dstPath); err == nil {
		return nil
	}
	return denseCopy(srcPath, dstPath)
}

func denseCopy(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("checkpoint: open source image: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("checkpoint: create scratch image: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(dstPath)
		return fmt.Errorf("checkpoint: copy image: %w", err)
	}
	return dst.Sync()
}
