package service

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/deployd/agent/internal/models"
)

const (
	manifestName  = "manifest.json"
	partialSuffix = ".partial"
)

// archiveManifest describes an archive's contents for restore.
type archiveManifest struct {
	BackupID   string                   `json:"backup_id"`
	Deployment string                   `json:"deployment"`
	CreatedAt  time.Time                `json:"created_at"`
	Components []models.BackupComponent `json:"components"`
	Paths      []manifestPath           `json:"paths,omitempty"`
	Databases  []manifestDatabase       `json:"databases,omitempty"`
}

type manifestPath struct {
	Service       string `json:"service"`
	ContainerPath string `json:"container_path"`
	Entry         string `json:"entry"` // archive prefix holding the copied tree
}

type manifestDatabase struct {
	Service  string              `json:"service"`
	Type     models.DatabaseType `json:"type"`
	Database string              `json:"database,omitempty"`
	Entry    string              `json:"entry"`
}

// archiveWriter builds a tar.gz next to its final path and renames it into
// place on commit.
type archiveWriter struct {
	finalPath string
	file      *os.File
	gz        *gzip.Writer
	tw        *tar.Writer
	excludes  []string
	dirs      map[string]bool
	closed    bool
}

func newArchiveWriter(finalPath string, excludes []string) (*archiveWriter, error) {
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	f, err := os.OpenFile(finalPath+partialSuffix, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}
	gz := gzip.NewWriter(f)
	return &archiveWriter{
		finalPath: finalPath,
		file:      f,
		gz:        gz,
		tw:        tar.NewWriter(gz),
		excludes:  excludes,
		dirs:      make(map[string]bool),
	}, nil
}

func (w *archiveWriter) ensureDir(name string) error {
	dir := path.Dir(name)
	if dir == "." || dir == "/" || w.dirs[dir] {
		return nil
	}
	if err := w.ensureDir(dir); err != nil {
		return err
	}
	w.dirs[dir] = true
	return w.tw.WriteHeader(&tar.Header{
		Name:     dir + "/",
		Typeflag: tar.TypeDir,
		Mode:     0o755,
		ModTime:  time.Now(),
	})
}

// AddBytes stores an in-memory file.
func (w *archiveWriter) AddBytes(name string, data []byte, mode int64) error {
	return w.AddReader(name, int64(len(data)), mode, bytes.NewReader(data))
}

// AddReader stores size bytes from r under name.
func (w *archiveWriter) AddReader(name string, size, mode int64, r io.Reader) error {
	if err := w.ensureDir(name); err != nil {
		return err
	}
	if err := w.tw.WriteHeader(&tar.Header{
		Name:     name,
		Typeflag: tar.TypeReg,
		Mode:     mode,
		Size:     size,
		ModTime:  time.Now(),
	}); err != nil {
		return err
	}
	_, err := io.CopyN(w.tw, r, size)
	return err
}

// AddFile stores a local file.
func (w *archiveWriter) AddFile(name, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	return w.AddReader(name, info.Size(), int64(info.Mode().Perm()), f)
}

// AddContainerTar re-roots a tar stream from the runtime under prefix and
// drops excluded entries while streaming. It returns the number of kept
// entries.
func (w *archiveWriter) AddContainerTar(prefix string, r io.Reader) (int, error) {
	tr := tar.NewReader(r)
	var excludedDirs []string
	kept := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return kept, nil
		}
		if err != nil {
			return kept, fmt.Errorf("failed to read container archive: %w", err)
		}

		name := strings.TrimSuffix(path.Clean(hdr.Name), "/")
		if name == "." || name == "" || strings.HasPrefix(name, "../") {
			continue
		}
		if underAny(name, excludedDirs) {
			continue
		}
		if excluded(name, w.excludes) {
			if hdr.Typeflag == tar.TypeDir {
				excludedDirs = append(excludedDirs, name)
			}
			continue
		}

		target := prefix + "/" + name
		if err := w.ensureDir(target); err != nil {
			return kept, err
		}
		out := *hdr
		out.Name = target
		if hdr.Typeflag == tar.TypeDir {
			kept++
			if w.dirs[target] {
				continue
			}
			w.dirs[target] = true
			out.Name += "/"
		}
		if err := w.tw.WriteHeader(&out); err != nil {
			return kept, err
		}
		if hdr.Typeflag != tar.TypeDir {
			if _, err := io.Copy(w.tw, tr); err != nil {
				return kept, err
			}
			kept++
		}
	}
}

// excluded matches a pattern against the entry's base name or its path
// below the copied root.
func excluded(name string, patterns []string) bool {
	if len(patterns) == 0 {
		return false
	}
	base := path.Base(name)
	rel := ""
	if i := strings.IndexByte(name, '/'); i >= 0 {
		rel = name[i+1:]
	}
	for _, p := range patterns {
		if ok, _ := path.Match(p, base); ok {
			return true
		}
		if rel != "" {
			if ok, _ := path.Match(p, rel); ok {
				return true
			}
		}
	}
	return false
}

func underAny(name string, dirs []string) bool {
	for _, d := range dirs {
		if strings.HasPrefix(name, d+"/") {
			return true
		}
	}
	return false
}

// Commit writes the manifest, closes the archive and renames it into place.
func (w *archiveWriter) Commit(manifest archiveManifest) (int64, error) {
	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return 0, err
	}
	if err := w.AddBytes(manifestName, raw, 0o644); err != nil {
		return 0, err
	}
	if err := w.close(); err != nil {
		return 0, err
	}
	if err := os.Rename(w.finalPath+partialSuffix, w.finalPath); err != nil {
		return 0, fmt.Errorf("failed to finalize archive: %w", err)
	}
	info, err := os.Stat(w.finalPath)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Abort discards the partial archive.
func (w *archiveWriter) Abort() {
	_ = w.close()
	_ = os.Remove(w.finalPath + partialSuffix)
}

func (w *archiveWriter) close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return errors.Join(w.tw.Close(), w.gz.Close(), w.file.Close())
}

// archiveReader gives sequential access to a finished archive.
type archiveReader struct {
	path string
}

// walk calls fn for every entry until fn returns errStopWalk or an error.
func (a archiveReader) walk(fn func(hdr *tar.Header, r io.Reader) error) error {
	f, err := os.Open(a.path)
	if err != nil {
		return err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}
		if err := fn(hdr, tr); err != nil {
			if errors.Is(err, errStopWalk) {
				return nil
			}
			return err
		}
	}
}

var errStopWalk = errors.New("stop walk")

// Manifest reads manifest.json.
func (a archiveReader) Manifest() (*archiveManifest, error) {
	var manifest *archiveManifest
	err := a.walk(func(hdr *tar.Header, r io.Reader) error {
		if hdr.Name != manifestName {
			return nil
		}
		var m archiveManifest
		if err := json.NewDecoder(r).Decode(&m); err != nil {
			return fmt.Errorf("invalid manifest: %w", err)
		}
		manifest = &m
		return errStopWalk
	})
	if err != nil {
		return nil, err
	}
	if manifest == nil {
		return nil, errors.New("archive has no manifest")
	}
	return manifest, nil
}

// CopyEntry streams one regular file of the archive into w.
func (a archiveReader) CopyEntry(name string, w io.Writer) error {
	found := false
	err := a.walk(func(hdr *tar.Header, r io.Reader) error {
		if hdr.Name != name {
			return nil
		}
		found = true
		if _, err := io.Copy(w, r); err != nil {
			return err
		}
		return errStopWalk
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("archive entry %s not found", name)
	}
	return nil
}

// Subtree writes a tar stream of the entries below prefix with the prefix
// stripped, ready to be extracted by the runtime.
func (a archiveReader) Subtree(prefix string, w io.Writer) error {
	tw := tar.NewWriter(w)
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	err := a.walk(func(hdr *tar.Header, r io.Reader) error {
		if !strings.HasPrefix(hdr.Name, prefix) || hdr.Name == prefix {
			return nil
		}
		out := *hdr
		out.Name = strings.TrimPrefix(hdr.Name, prefix)
		if err := tw.WriteHeader(&out); err != nil {
			return err
		}
		_, err := io.Copy(tw, r)
		return err
	})
	if err != nil {
		return err
	}
	return tw.Close()
}
