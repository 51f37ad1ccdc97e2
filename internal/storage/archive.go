package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/tunnelhub/internal/persist"
)

var errArchiveClosed = errors.New("archive is closed")

// Archive writes event records as JSON lines, one rotating file per endpoint
// per UTC day: baseDir/2006-01-02/<endpoint>.jsonl.
type Archive struct {
	baseDir   string
	maxSizeMB int
	now       func() time.Time

	mu     sync.Mutex
	files  map[string]*dailyFile
	closed bool
}

type dailyFile struct {
	date   string
	logger *lumberjack.Logger
}

// NewArchive creates an archive rooted at baseDir.
func NewArchive(baseDir string, maxSizeMB int) *Archive {
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	return &Archive{
		baseDir:   baseDir,
		maxSizeMB: maxSizeMB,
		now:       time.Now,
		files:     make(map[string]*dailyFile),
	}
}

// AppendEvent writes one record. Records are not deduplicated; the digest is
// kept in the line so readers can collapse replays.
func (a *Archive) AppendEvent(_ context.Context, rec persist.EventRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errArchiveClosed
	}

	segment := PathSegment(rec.EndpointID)
	f, err := a.fileFor(segment)
	if err != nil {
		return err
	}
	if _, err := f.logger.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write record for %s: %w", rec.EndpointID, err)
	}
	return nil
}

func (a *Archive) fileFor(segment string) (*dailyFile, error) {
	date := a.now().UTC().Format("2006-01-02")
	if f, ok := a.files[segment]; ok {
		if f.date == date {
			return f, nil
		}
		f.logger.Close()
	}

	dir := filepath.Join(a.baseDir, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir %s: %w", dir, err)
	}
	filename := filepath.Join(dir, segment+".jsonl")
	f := &dailyFile{
		date: date,
		logger: &lumberjack.Logger{
			Filename:   filename,
			MaxSize:    a.maxSizeMB,
			MaxBackups: 100,
			MaxAge:     30,
			Compress:   false,
			LocalTime:  false,
		},
	}
	a.files[segment] = f
	slog.Info("archive file opened", "file", filename, "endpoint", segment)
	return f, nil
}

// Close closes every open file.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	var errs []error
	for segment, f := range a.files {
		if err := f.logger.Close(); err != nil {
			slog.Error("archive close failed", "endpoint", segment, "error", err)
			errs = append(errs, err)
		}
	}
	a.files = make(map[string]*dailyFile)
	return errors.Join(errs...)
}
