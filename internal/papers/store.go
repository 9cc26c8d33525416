// Package papers implements the date-partitioned paper store. Each calendar
// date maps to one JSON file (YYYY-MM-DD.json) holding an array of paper
// records; partitions are produced by an external ingestion process and may
// be hand-edited, so reads degrade to empty rather than failing.
package papers

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Store reads and writes date partitions under a single data directory.
type Store struct {
	dir string
}

// NewStore creates the data directory if needed and returns a Store over it.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating papers directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) datePath(date time.Time) string {
	return filepath.Join(s.dir, date.Format(time.DateOnly)+".json")
}

// ListDates returns every date with a partition file, ascending. Files whose
// names do not parse as dates are ignored.
func (s *Store) ListDates() ([]time.Time, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading papers directory: %w", err)
	}

	var dates []time.Time
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		stem := strings.TrimSuffix(entry.Name(), ".json")
		d, err := time.Parse(time.DateOnly, stem)
		if err != nil {
			continue
		}
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates, nil
}

// LatestDate returns the most recent partition date, or false if none exist.
func (s *Store) LatestDate() (time.Time, bool, error) {
	dates, err := s.ListDates()
	if err != nil {
		return time.Time{}, false, err
	}
	if len(dates) == 0 {
		return time.Time{}, false, nil
	}
	return dates[len(dates)-1], true, nil
}

// LoadDate returns all normalized papers for one partition. A missing or
// unparseable partition yields an empty slice, never an error. Entries
// without an id after normalization are dropped.
func (s *Store) LoadDate(date time.Time) []Paper {
	data, err := os.ReadFile(s.datePath(date))
	if err != nil {
		return nil
	}

	var raw []rawPaper
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}

	result := make([]Paper, 0, len(raw))
	for _, r := range raw {
		p := r.normalize()
		if p.ID == "" {
			continue
		}
		result = append(result, p)
	}
	return result
}

// SaveDate atomically replaces a partition: the new content is written to a
// temp file in the same directory and renamed over the target.
func (s *Store) SaveDate(date time.Time, list []Paper) error {
	if list == nil {
		list = []Paper{}
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding partition: %w", err)
	}

	path := s.datePath(date)
	tmp, err := os.CreateTemp(s.dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp partition: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp partition: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp partition: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing partition: %w", err)
	}
	return nil
}

// MergePapers folds incoming papers into a partition. New ids are appended
// and counted; existing ids are merged field-by-field with non-empty incoming
// values winning (an empty incoming value never erases existing data). The
// partition is rewritten atomically. Incoming entries without an id are
// skipped.
func (s *Store) MergePapers(date time.Time, incoming []Paper) (int, error) {
	existing := s.LoadDate(date)
	index := make(map[string]int, len(existing))
	for i, p := range existing {
		index[p.ID] = i
	}

	added := 0
	for _, in := range incoming {
		in.ID = strings.TrimSpace(in.ID)
		if in.ID == "" {
			continue
		}
		if i, ok := index[in.ID]; ok {
			existing[i] = existing[i].merge(in)
			continue
		}
		index[in.ID] = len(existing)
		existing = append(existing, in)
		added++
	}

	if err := s.SaveDate(date, existing); err != nil {
		return 0, err
	}
	return added, nil
}

// CollectTags gathers every distinct tag across all partitions, sorted.
// This is the known-tag pool that filter selections are validated against.
func (s *Store) CollectTags() ([]string, error) {
	dates, err := s.ListDates()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, d := range dates {
		for _, p := range s.LoadDate(d) {
			for _, t := range p.Tags {
				seen[t] = struct{}{}
			}
		}
	}
	pool := make([]string, 0, len(seen))
	for t := range seen {
		pool = append(pool, t)
	}
	sort.Strings(pool)
	return pool, nil
}

// DecodePartition parses an externally produced partition payload (a JSON
// array of paper records) into normalized papers, dropping entries without an
// id. Used by the import CLI and the ingest endpoint before MergePapers.
func DecodePartition(data []byte) ([]Paper, error) {
	var raw []rawPaper
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing partition payload: %w", err)
	}
	result := make([]Paper, 0, len(raw))
	for _, r := range raw {
		p := r.normalize()
		if p.ID == "" {
			continue
		}
		result = append(result, p)
	}
	return result, nil
}

// FindByID scans partitions from most recent to oldest and returns the first
// paper with the given id along with its partition date. The boolean reports
// whether a match was found.
func (s *Store) FindByID(id string) (Paper, time.Time, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Paper{}, time.Time{}, false
	}

	dates, err := s.ListDates()
	if err != nil {
		return Paper{}, time.Time{}, false
	}
	for i := len(dates) - 1; i >= 0; i-- {
		for _, p := range s.LoadDate(dates[i]) {
			if p.ID == id {
				return p, dates[i], true
			}
		}
	}
	return Paper{}, time.Time{}, false
}
