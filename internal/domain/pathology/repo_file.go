package pathology

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// fileSnapshot is the on-disk document of the flat file store.
type fileSnapshot struct {
	NextCaseID    int64             `json:"next_case_id"`
	NextSummaryID int64             `json:"next_summary_id"`
	Cases         []*Case           `json:"cases"`
	AuditEvents   []*AuditEvent     `json:"audit_events"`
	Summaries     []*RevenueSummary `json:"revenue_summary"`
}

func (s *fileSnapshot) clone() *fileSnapshot {
	out := &fileSnapshot{NextCaseID: s.NextCaseID, NextSummaryID: s.NextSummaryID}
	out.Cases = make([]*Case, len(s.Cases))
	for i, c := range s.Cases {
		out.Cases[i] = c.Clone()
	}
	out.AuditEvents = append([]*AuditEvent(nil), s.AuditEvents...)
	out.Summaries = make([]*RevenueSummary, len(s.Summaries))
	for i, sum := range s.Summaries {
		out.Summaries[i] = cloneSummary(sum)
	}
	return out
}

func (s *fileSnapshot) indexOf(slideID string) int {
	for i, c := range s.Cases {
		if c.SlideID == slideID {
			return i
		}
	}
	return -1
}

// storeFile keeps the whole data set in one JSON document. Every committed
// write replaces the file through a temp file and rename.
type storeFile struct {
	path  string
	mu    *sync.Mutex
	state *fileSnapshot
	inTx  bool
}

// NewStoreFile loads path, or starts empty when the file does not exist yet.
func NewStoreFile(path string) (Store, error) {
	st := &fileSnapshot{}
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", path, err)
	default:
		if err := json.Unmarshal(b, st); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return &storeFile{path: path, mu: &sync.Mutex{}, state: st}, nil
}

func (s *storeFile) read(fn func(st *fileSnapshot) error) error {
	if s.inTx {
		return fn(s.state)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.state)
}

func (s *storeFile) write(fn func(st *fileSnapshot) error) error {
	if s.inTx {
		return fn(s.state)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.state.clone()
	if err := fn(next); err != nil {
		return err
	}
	if err := s.persist(next); err != nil {
		return err
	}
	s.state = next
	return nil
}

func (s *storeFile) persist(st *fileSnapshot) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return os.Rename(tmp.Name(), s.path)
}

func (s *storeFile) GetBySlideID(_ context.Context, slideID string) (*Case, error) {
	var out *Case
	err := s.read(func(st *fileSnapshot) error {
		i := st.indexOf(slideID)
		if i < 0 {
			return ErrNotFound
		}
		out = st.Cases[i].Clone()
		return nil
	})
	return out, err
}

func (s *storeFile) List(_ context.Context, status Status) ([]*Case, error) {
	var out []*Case
	err := s.read(func(st *fileSnapshot) error {
		for _, c := range st.Cases {
			if status == "" || c.Status == status {
				out = append(out, c.Clone())
			}
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, err
}

func (s *storeFile) Insert(_ context.Context, c *Case) error {
	return s.write(func(st *fileSnapshot) error {
		if st.indexOf(c.SlideID) >= 0 {
			return ErrDuplicate
		}
		st.NextCaseID++
		c.ID = st.NextCaseID
		st.Cases = append(st.Cases, c.Clone())
		return nil
	})
}

func (s *storeFile) Update(_ context.Context, c *Case) error {
	return s.write(func(st *fileSnapshot) error {
		i := st.indexOf(c.SlideID)
		if i < 0 {
			return ErrNotFound
		}
		next := c.Clone()
		next.ID = st.Cases[i].ID
		next.CreatedAt = st.Cases[i].CreatedAt
		st.Cases[i] = next
		return nil
	})
}

func (s *storeFile) Delete(_ context.Context, slideID string) error {
	return s.write(func(st *fileSnapshot) error {
		i := st.indexOf(slideID)
		if i < 0 {
			return ErrNotFound
		}
		id := st.Cases[i].ID
		st.Cases = append(st.Cases[:i], st.Cases[i+1:]...)
		events := st.AuditEvents[:0]
		for _, e := range st.AuditEvents {
			if e.CaseID != id {
				events = append(events, e)
			}
		}
		st.AuditEvents = events
		return nil
	})
}

func (s *storeFile) Count(_ context.Context) (int, error) {
	var n int
	err := s.read(func(st *fileSnapshot) error {
		n = len(st.Cases)
		return nil
	})
	return n, err
}

func (s *storeFile) AppendAuditEvent(_ context.Context, e *AuditEvent) error {
	return s.write(func(st *fileSnapshot) error {
		ev := *e
		st.AuditEvents = append(st.AuditEvents, &ev)
		return nil
	})
}

func (s *storeFile) GetOrCreateDailySummary(_ context.Context, day time.Time) (*RevenueSummary, error) {
	day = DayOf(day)
	var out *RevenueSummary
	find := func(st *fileSnapshot) *RevenueSummary {
		for _, sum := range st.Summaries {
			if sum.Date.Equal(day) {
				return sum
			}
		}
		return nil
	}

	err := s.read(func(st *fileSnapshot) error {
		if sum := find(st); sum != nil {
			out = cloneSummary(sum)
		}
		return nil
	})
	if err != nil || out != nil {
		return out, err
	}

	err = s.write(func(st *fileSnapshot) error {
		if sum := find(st); sum != nil {
			out = cloneSummary(sum)
			return nil
		}
		st.NextSummaryID++
		sum := newDailySummary(day)
		sum.ID = st.NextSummaryID
		st.Summaries = append(st.Summaries, sum)
		out = cloneSummary(sum)
		return nil
	})
	return out, err
}

func (s *storeFile) SaveDailySummary(_ context.Context, sum *RevenueSummary) error {
	return s.write(func(st *fileSnapshot) error {
		for i, existing := range st.Summaries {
			if existing.ID == sum.ID {
				st.Summaries[i] = cloneSummary(sum)
				return nil
			}
		}
		return ErrNotFound
	})
}

func (s *storeFile) WithinTx(_ context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.state.clone()
	if err := fn(&storeFile{path: s.path, mu: s.mu, state: staged, inTx: true}); err != nil {
		return err
	}
	if err := s.persist(staged); err != nil {
		return err
	}
	s.state = staged
	return nil
}

func cloneSummary(s *RevenueSummary) *RevenueSummary {
	out := *s
	out.CPTUpgradeBreakdown = make(map[string]int, len(s.CPTUpgradeBreakdown))
	for k, v := range s.CPTUpgradeBreakdown {
		out.CPTUpgradeBreakdown[k] = v
	}
	return &out
}
