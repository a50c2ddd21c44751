// Package feeschedule maps CPT codes to their reimbursement amounts. The
// built-in table can be overridden from a YAML file, which may be watched and
// reloaded while the server runs.
package feeschedule

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Default 2026 rates in USD.
var defaultRates = map[string]float64{
	"88305": 72.00,
	"88307": 85.00,
	"88309": 90.40,
	"0596T": 8.20,
}

// File is the YAML document layout:
//
//	year: 2026
//	codes:
//	  "88305": 72.00
//	  "88309": 90.40
type File struct {
	Year  int                `yaml:"year"`
	Codes map[string]float64 `yaml:"codes"`
}

// Schedule is a concurrency-safe CPT rate table.
type Schedule struct {
	mu    sync.RWMutex
	rates map[string]float64
}

// Default returns the built-in schedule.
func Default() *Schedule {
	return New(defaultRates)
}

// New returns a schedule holding a copy of rates.
func New(rates map[string]float64) *Schedule {
	s := &Schedule{}
	s.Replace(rates)
	return s
}

// Rate returns the reimbursement for code. Codes are matched case-insensitively.
func (s *Schedule) Rate(code string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.rates[normalize(code)]
	return v, ok
}

// Codes returns a copy of the current table.
func (s *Schedule) Codes() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64, len(s.rates))
	for k, v := range s.rates {
		out[k] = v
	}
	return out
}

// Replace swaps in a new rate table.
func (s *Schedule) Replace(rates map[string]float64) {
	next := make(map[string]float64, len(rates))
	for k, v := range rates {
		next[normalize(k)] = v
	}
	s.mu.Lock()
	s.rates = next
	s.mu.Unlock()
}

func normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Parse decodes and validates a YAML fee schedule. Codes absent from the file
// keep their default rate.
func Parse(b []byte) (map[string]float64, error) {
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decode fee schedule: %w", err)
	}
	rates := make(map[string]float64, len(defaultRates)+len(f.Codes))
	for k, v := range defaultRates {
		rates[k] = v
	}
	for k, v := range f.Codes {
		code := normalize(k)
		if code == "" {
			return nil, fmt.Errorf("fee schedule: empty code")
		}
		if v < 0 {
			return nil, fmt.Errorf("fee schedule: negative rate for %s", code)
		}
		rates[code] = v
	}
	return rates, nil
}

// Load reads path into a new schedule.
func Load(path string) (*Schedule, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fee schedule: %w", err)
	}
	rates, err := Parse(b)
	if err != nil {
		return nil, err
	}
	return New(rates), nil
}

// Reload re-reads path into s. On error the current table is kept.
func (s *Schedule) Reload(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read fee schedule: %w", err)
	}
	rates, err := Parse(b)
	if err != nil {
		return err
	}
	s.Replace(rates)
	return nil
}

// Watch reloads s whenever path is written or replaced, until ctx is done.
// The parent directory is watched so editors that save by rename are seen.
func (s *Schedule) Watch(ctx context.Context, path string, logger zerolog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(evt.Name) != abs {
					continue
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := s.Reload(abs); err != nil {
					logger.Warn().Err(err).Str("path", abs).Msg("fee schedule reload failed, keeping previous rates")
					continue
				}
				logger.Info().Str("path", abs).Int("codes", len(s.Codes())).Msg("fee schedule reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error().Err(err).Msg("fee schedule watcher error")
			}
		}
	}()
	return nil
}
