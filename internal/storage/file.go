package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	logx "cronsched/pkg/logx"
)

// fileStore appends run records to <prefix>.runs.jsonl.
//
// Reads scan the file; pruning rewrites it through a temporary file and an atomic rename.
type fileStore struct {
	log logx.Logger

	mu      sync.Mutex
	path    string
	runFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}

	runPath := prefix + ".runs.jsonl"
	f, err := openAppend(runPath)
	if err != nil {
		return nil, err
	}
	log.Debug("report store opened", logx.String("path", runPath))
	return &fileStore{log: log, path: runPath, runFile: f}, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	return f, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runFile == nil {
		return nil
	}
	err := s.runFile.Close()
	s.runFile = nil
	return err
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.runFile).Encode(r)
}

func (s *fileStore) RecentRuns(ctx context.Context, jobID string, limit int) ([]RunRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runFile == nil {
		return nil, ErrClosed
	}
	var out []RunRecord
	err := s.scanLocked(func(r RunRecord) {
		if jobID == "" || r.JobID == jobID {
			out = append(out, r)
		}
	})
	if err != nil {
		return nil, err
	}
	// File order is append order; stable sort keeps it for equal timestamps.
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fileStore) PruneRuns(ctx context.Context, cutoff time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runFile == nil {
		return 0, ErrClosed
	}

	var keep []RunRecord
	removed := 0
	err := s.scanLocked(func(r RunRecord) {
		if r.StartedAt.Before(cutoff) {
			removed++
			return
		}
		keep = append(keep, r)
	})
	if err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, nil
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, errors.Wrap(err, "open prune file")
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range keep {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return 0, err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}

	if err := s.runFile.Close(); err != nil {
		s.log.Debug("close before prune rename failed", logx.Err(err))
	}
	if err := os.Rename(tmp, s.path); err != nil {
		// Keep appending to the old file.
		s.runFile, _ = openAppend(s.path)
		return 0, errors.Wrap(err, "replace run file")
	}
	s.runFile, err = openAppend(s.path)
	if err != nil {
		return removed, err
	}
	return removed, nil
}

func (s *fileStore) scanLocked(fn func(RunRecord)) error {
	f, err := os.Open(s.path)
	if err != nil {
		return errors.Wrapf(err, "open %s", s.path)
	}
	defer f.Close()
	return scanRuns(f, fn)
}

func scanRuns(rd io.Reader, fn func(RunRecord)) error {
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var r RunRecord
		if err := json.Unmarshal(line, &r); err != nil {
			// A torn tail write is skipped, not fatal.
			continue
		}
		fn(r)
	}
	return sc.Err()
}
