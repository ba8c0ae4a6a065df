// Package file provides filesystem persistence: JSON Lines ledger
// storage with daily rotation, size caps, and retention cleanup, plus
// an evidence blob store and YAML loaders for governance fixtures.
package file

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/chaperone-dev/chaperone/internal/domain/ledger"
)

// ledgerFilePattern matches ledger filenames: ledger-YYYY-MM-DD.jsonl
// or ledger-YYYY-MM-DD-N.jsonl.
var ledgerFilePattern = regexp.MustCompile(`^ledger-(\d{4}-\d{2}-\d{2})(?:-(\d+))?\.jsonl$`)

type ledgerFileInfo struct {
	name   string
	date   string
	suffix int
}

func parseLedgerFilename(name string) (ledgerFileInfo, bool) {
	matches := ledgerFilePattern.FindStringSubmatch(name)
	if matches == nil {
		return ledgerFileInfo{}, false
	}
	info := ledgerFileInfo{name: name, date: matches[1]}
	if matches[2] != "" {
		n, err := strconv.Atoi(matches[2])
		if err != nil {
			return ledgerFileInfo{}, false
		}
		info.suffix = n
	}
	return info, true
}

func sortLedgerFiles(files []ledgerFileInfo) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].date != files[j].date {
			return files[i].date < files[j].date
		}
		return files[i].suffix < files[j].suffix
	})
}

// LedgerStorageConfig configures the JSONL ledger storage.
type LedgerStorageConfig struct {
	// Dir is where ledger files live.
	Dir string
	// RetentionDays bounds how long rotated files are kept (default 90).
	RetentionDays int
	// MaxFileSizeMB caps one file before suffix rotation (default 100).
	MaxFileSizeMB int
}

// LedgerStorage implements ledger.Storage as append-only JSON Lines
// files. One entry per line; files rotate daily and on size. Reads
// walk every retained file in chronological order, which keeps chain
// verification possible across rotations.
type LedgerStorage struct {
	dir           string
	maxFileSize   int64
	retentionDays int

	mu            sync.Mutex
	currentFile   *os.File
	currentDate   string
	currentSize   int64
	currentSuffix int
	closed        bool

	logger *slog.Logger
	cancel context.CancelFunc
}

var _ ledger.Storage = (*LedgerStorage)(nil)

// NewLedgerStorage creates the directory if needed, opens today's file,
// runs retention cleanup, and starts the hourly cleanup loop.
func NewLedgerStorage(cfg LedgerStorageConfig, logger *slog.Logger) (*LedgerStorage, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 90
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 100
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &LedgerStorage{
		dir:           cfg.Dir,
		maxFileSize:   int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		retentionDays: cfg.RetentionDays,
		logger:        logger,
		cancel:        cancel,
	}

	today := time.Now().UTC().Format("2006-01-02")
	if err := s.openCurrentFile(today); err != nil {
		cancel()
		return nil, fmt.Errorf("open ledger file: %w", err)
	}

	s.runCleanup()
	go s.cleanupLoop(ctx)

	return s, nil
}

// Append writes one entry as a JSON line and syncs it to disk. Sync on
// every append trades throughput for the guarantee that an entry whose
// hash has been chained is never lost to a crash.
func (s *LedgerStorage) Append(_ context.Context, e *ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("ledger storage closed")
	}

	dateStr := e.Timestamp.UTC().Format("2006-01-02")
	if dateStr != s.currentDate {
		if err := s.rotateDateLocked(dateStr); err != nil {
			return fmt.Errorf("date rotation: %w", err)
		}
	}
	if s.currentSize >= s.maxFileSize {
		if err := s.rotateSizeLocked(); err != nil {
			return fmt.Errorf("size rotation: %w", err)
		}
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}
	line := append(data, '\n')
	n, err := s.currentFile.Write(line)
	if err != nil {
		return fmt.Errorf("write ledger entry: %w", err)
	}
	s.currentSize += int64(n)

	if err := s.currentFile.Sync(); err != nil {
		return fmt.Errorf("sync ledger file: %w", err)
	}
	return nil
}

// GetAll reads every retained entry in chronological order.
func (s *LedgerStorage) GetAll(ctx context.Context) ([]*ledger.Entry, error) {
	return s.readAll(ctx, func(*ledger.Entry) bool { return true }, 0)
}

// Query reads entries matching the filter in chronological order.
func (s *LedgerStorage) Query(ctx context.Context, f ledger.Filter) ([]*ledger.Entry, error) {
	match := func(e *ledger.Entry) bool {
		if f.EventType != "" && e.EventType != f.EventType {
			return false
		}
		if f.EnvelopeID != "" && e.EnvelopeID != f.EnvelopeID {
			return false
		}
		if f.ActorID != "" && e.ActorID != f.ActorID {
			return false
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			return false
		}
		return true
	}
	return s.readAll(ctx, match, f.Limit)
}

// Close stops the cleanup loop and closes the current file.
func (s *LedgerStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()

	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		err := s.currentFile.Close()
		s.currentFile = nil
		return err
	}
	return nil
}

func (s *LedgerStorage) readAll(ctx context.Context, match func(*ledger.Entry) bool, limit int) ([]*ledger.Entry, error) {
	s.mu.Lock()
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
	}
	dir := s.dir
	s.mu.Unlock()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read ledger directory: %w", err)
	}

	var files []ledgerFileInfo
	for _, e := range entries {
		if info, ok := parseLedgerFilename(e.Name()); ok {
			files = append(files, info)
		}
	}
	sortLedgerFiles(files)

	var out []*ledger.Entry
	for _, info := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.readFile(filepath.Join(dir, info.name), match, limit, &out); err != nil {
			return nil, err
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *LedgerStorage) readFile(path string, match func(*ledger.Entry) bool, limit int, out *[]*ledger.Entry) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e ledger.Entry
		if err := json.Unmarshal(line, &e); err != nil {
			s.logger.Warn("skipping malformed ledger line", "file", filepath.Base(path), "error", err)
			continue
		}
		if !match(&e) {
			continue
		}
		*out = append(*out, &e)
		if limit > 0 && len(*out) >= limit {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *LedgerStorage) openCurrentFile(dateStr string) error {
	suffix := s.findHighestSuffix(dateStr)
	f, size, err := s.openFile(dateStr, suffix)
	if err != nil {
		return err
	}
	s.currentFile = f
	s.currentDate = dateStr
	s.currentSize = size
	s.currentSuffix = suffix
	return nil
}

func (s *LedgerStorage) findHighestSuffix(dateStr string) int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	highest := 0
	for _, e := range entries {
		info, ok := parseLedgerFilename(e.Name())
		if !ok || info.date != dateStr {
			continue
		}
		if info.suffix > highest {
			highest = info.suffix
		}
	}
	return highest
}

func (s *LedgerStorage) openFile(dateStr string, suffix int) (*os.File, int64, error) {
	name := s.buildFilename(dateStr, suffix)
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, 0, fmt.Errorf("open file %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat file %s: %w", name, err)
	}
	return f, info.Size(), nil
}

func (s *LedgerStorage) buildFilename(dateStr string, suffix int) string {
	if suffix == 0 {
		return fmt.Sprintf("ledger-%s.jsonl", dateStr)
	}
	return fmt.Sprintf("ledger-%s-%d.jsonl", dateStr, suffix)
}

// rotateDateLocked requires s.mu held.
func (s *LedgerStorage) rotateDateLocked(dateStr string) error {
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		_ = s.currentFile.Close()
		s.currentFile = nil
	}
	s.currentSuffix = 0
	s.currentSize = 0
	s.currentDate = dateStr

	f, size, err := s.openFile(dateStr, 0)
	if err != nil {
		return err
	}
	s.currentFile = f
	s.currentSize = size
	return nil
}

// rotateSizeLocked requires s.mu held.
func (s *LedgerStorage) rotateSizeLocked() error {
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		_ = s.currentFile.Close()
		s.currentFile = nil
	}
	s.currentSuffix++
	s.currentSize = 0

	f, size, err := s.openFile(s.currentDate, s.currentSuffix)
	if err != nil {
		return err
	}
	s.currentFile = f
	s.currentSize = size
	return nil
}

func (s *LedgerStorage) runCleanup() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Error("ledger cleanup: read directory failed", "dir", s.dir, "error", err)
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	deleted := 0
	for _, e := range entries {
		info, ok := parseLedgerFilename(e.Name())
		if !ok {
			continue
		}
		fileDate, err := time.Parse("2006-01-02", info.date)
		if err != nil {
			continue
		}
		if fileDate.Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
				s.logger.Error("ledger cleanup: delete failed", "file", e.Name(), "error", err)
			} else {
				deleted++
			}
		}
	}
	if deleted > 0 {
		s.logger.Info("ledger cleanup completed", "deleted", deleted)
	}
}

func (s *LedgerStorage) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCleanup()
		}
	}
}
