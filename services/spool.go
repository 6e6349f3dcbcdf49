package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"voiceagent/models"
)

// Spool is a directory of transcript records whose first save failed. Each
// record lives in its own <call_sid>.json file until a replay succeeds.
type Spool struct {
	dir string
}

type SpoolEntry struct {
	Path   string
	Record models.TranscriptRecord
}

func NewSpool(dir string) (*Spool, error) {
	if dir == "" {
		return nil, errors.New("spool directory is empty")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &Spool{dir: dir}, nil
}

func (s *Spool) Dir() string { return s.dir }

// Put writes rec atomically, replacing an earlier spooled copy of the same call.
func (s *Spool) Put(rec models.TranscriptRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", rec.CallSID, err)
	}

	tmp, err := os.CreateTemp(s.dir, ".spool-*")
	if err != nil {
		return fmt.Errorf("spool %s: %w", rec.CallSID, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("spool %s: %w", rec.CallSID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("spool %s: %w", rec.CallSID, err)
	}
	if err := os.Rename(tmp.Name(), s.path(rec.CallSID)); err != nil {
		return fmt.Errorf("spool %s: %w", rec.CallSID, err)
	}
	return nil
}

// List returns the spooled records ordered by file name. Unreadable files
// are reported through the returned error after the readable ones.
func (s *Spool) List() ([]SpoolEntry, error) {
	names, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	var (
		entries []SpoolEntry
		errs    []error
	)
	for _, name := range names {
		data, err := os.ReadFile(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var rec models.TranscriptRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			errs = append(errs, fmt.Errorf("decode %s: %w", filepath.Base(name), err))
			continue
		}
		entries = append(entries, SpoolEntry{Path: name, Record: rec})
	}
	return entries, errors.Join(errs...)
}

func (s *Spool) Remove(entry SpoolEntry) error {
	if err := os.Remove(entry.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Spool) path(callSID string) string {
	safe := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, callSID)
	return filepath.Join(s.dir, safe+".json")
}
