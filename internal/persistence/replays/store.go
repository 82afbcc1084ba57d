// Package replays stores input logs as replay files in one directory. Files
// ending in .zst are zstd-compressed; everything else is plain text.
package replays

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"tickreplay.dev/internal/inputlog"
)

const (
	Ext        = ".txt"
	ZstdExt    = ".txt.zst"
	autoPrefix = "keyhistory_"
)

var ErrName = errors.New("replays: invalid replay name")

// Entry describes one replay file in the store.
type Entry struct {
	Name    string
	Size    int64
	ModTime time.Time
	// Recorded is true for files written by Save (keyhistory_*), false for
	// hand-named replays.
	Recorded bool
}

type Store struct {
	dir string

	// Compress makes Save write .txt.zst files.
	Compress bool
	Now      func() time.Time
	// OnSaved is called with the file path after Save or SaveAs succeeds.
	OnSaved func(path string)
}

func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir, Now: time.Now}, nil
}

func (s *Store) Dir() string { return s.dir }

// AutoloadName is the replay played automatically when a context with this
// label starts.
func AutoloadName(label string) string { return "autoload_" + label + Ext }

// Save writes l under a fresh keyhistory_<MMDD_HHMM>_<n> name and returns it.
func (s *Store) Save(h inputlog.Header, l *inputlog.Log) (string, error) {
	ext := Ext
	if s.Compress {
		ext = ZstdExt
	}
	stamp := s.Now().Format("0102_1504")
	for idx := 0; ; idx++ {
		name := fmt.Sprintf("%s%s_%d%s", autoPrefix, stamp, idx, ext)
		path := filepath.Join(s.dir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if err := write(f, ext == ZstdExt, h, l); err != nil {
			_ = os.Remove(path)
			return "", err
		}
		s.saved(path)
		return name, nil
	}
}

// SaveAs writes l under name, replacing any existing file.
func (s *Store) SaveAs(name string, h inputlog.Header, l *inputlog.Log) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	if err := WriteFile(path, h, l); err != nil {
		return err
	}
	s.saved(path)
	return nil
}

func (s *Store) saved(path string) {
	if s.OnSaved != nil {
		s.OnSaved(path)
	}
}

func (s *Store) Load(name string) (inputlog.Header, *inputlog.Log, error) {
	path, err := s.path(name)
	if err != nil {
		return inputlog.Header{}, nil, err
	}
	return ReadFile(path)
}

func (s *Store) Exists(name string) bool {
	path, err := s.path(name)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Autoload loads the autoload replay for label, trying the plain then the
// compressed file. ok is false when neither exists.
func (s *Store) Autoload(label string) (h inputlog.Header, l *inputlog.Log, ok bool, err error) {
	base := AutoloadName(label)
	for _, name := range []string{base, base + ".zst"} {
		if !s.Exists(name) {
			continue
		}
		h, l, err = s.Load(name)
		return h, l, err == nil, err
	}
	return inputlog.Header{}, nil, false, nil
}

// List returns the replays in the store sorted by name.
func (s *Store) List() ([]Entry, error) {
	des, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, de := range des {
		name := de.Name()
		if de.IsDir() || !(strings.HasSuffix(name, Ext) || strings.HasSuffix(name, ZstdExt)) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{
			Name:     name,
			Size:     info.Size(),
			ModTime:  info.ModTime(),
			Recorded: strings.HasPrefix(name, autoPrefix),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: %q", ErrName, name)
	}
	return filepath.Join(s.dir, name), nil
}

// WriteFile writes a replay to path, compressing when it ends in .zst.
func WriteFile(path string, h inputlog.Header, l *inputlog.Log) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	return write(f, strings.HasSuffix(path, ".zst"), h, l)
}

func write(f *os.File, compress bool, h inputlog.Header, l *inputlog.Log) error {
	defer f.Close()
	var w io.Writer = f
	var enc *zstd.Encoder
	if compress {
		var err error
		enc, err = zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return err
		}
		w = enc
	}
	bw := bufio.NewWriterSize(w, 64*1024)
	if err := inputlog.Encode(bw, h, l); err != nil {
		if enc != nil {
			_ = enc.Close()
		}
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return err
		}
	}
	return f.Sync()
}

// ReadFile reads a replay from path, decompressing when it ends in .zst.
func ReadFile(path string) (inputlog.Header, *inputlog.Log, error) {
	f, err := os.Open(path)
	if err != nil {
		return inputlog.Header{}, nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return inputlog.Header{}, nil, err
		}
		defer dec.Close()
		r = dec
	}
	h, l, err := inputlog.Decode(bufio.NewReaderSize(r, 64*1024))
	if err != nil {
		return h, nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return h, l, nil
}
