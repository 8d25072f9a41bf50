package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "github.com/Bird73/SecuIntegrator24/pkg/logx"
)

// fileStore keeps run history in <prefix>.runs.jsonl (append-only JSON Lines).
// Prune rewrites the file through a temp file and rename.
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
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	runsPath := filepath.Join(dir, base) + ".runs.jsonl"
	f, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("file store opened", logx.String("path", runsPath))
	return &fileStore{log: log, path: runsPath, runFile: f}, nil
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
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runFile == nil {
		return errors.New("run file closed")
	}
	return json.NewEncoder(s.runFile).Encode(r)
}

func (s *fileStore) RecentRuns(ctx context.Context, n int) ([]RunRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Keep the last n lines in a ring while scanning.
	ring := make([]RunRecord, 0, n)
	next := 0
	err := s.scanLocked(ctx, func(r RunRecord) {
		if len(ring) < n {
			ring = append(ring, r)
			return
		}
		ring[next] = r
		next = (next + 1) % n
	})
	if err != nil {
		return nil, err
	}

	out := make([]RunRecord, 0, len(ring))
	for i := 0; i < len(ring); i++ {
		// Walk backwards from the newest element.
		idx := (next - 1 - i + 2*len(ring)) % len(ring)
		out = append(out, ring[idx])
	}
	return out, nil
}

func (s *fileStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runFile == nil {
		return 0, errors.New("run file closed")
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(f)
	removed := 0
	var encErr error
	err = s.scanLocked(ctx, func(r RunRecord) {
		if r.Started.Before(cutoff) {
			removed++
			return
		}
		if encErr == nil {
			encErr = enc.Encode(r)
		}
	})
	if err == nil {
		err = encErr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if removed == 0 {
		_ = os.Remove(tmp)
		return 0, nil
	}

	_ = s.runFile.Close()
	s.runFile = nil
	if err := os.Rename(tmp, s.path); err != nil {
		return 0, err
	}
	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return removed, err
	}
	s.runFile = nf
	return removed, nil
}

// scanLocked calls fn for every decodable record in file order.
// Malformed lines (e.g. a torn final write) are skipped.
func (s *fileStore) scanLocked(ctx context.Context, fn func(RunRecord)) error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lines := 0
	for sc.Scan() {
		lines++
		if lines%1024 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			continue
		}
		fn(r)
	}
	return sc.Err()
}
