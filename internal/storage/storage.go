package storage

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/saviobatista/asset-tracker/internal/types"
)

const dayLayout = "2006-01-02"

// Storage archives position updates to one JSON-lines file per UTC day.
// Files of previous days are gzip-compressed on rotation.
type Storage struct {
	outputDir string
	file      *os.File
	day       string
	mu        sync.Mutex
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates a new Storage instance
func New(outputDir string, logger zerolog.Logger) *Storage {
	return &Storage{
		outputDir: outputDir,
		stopChan:  make(chan struct{}),
		logger:    logger.With().Str("component", "storage").Logger(),
		now:       time.Now,
	}
}

// FileName returns the archive file name for the given day.
func FileName(day time.Time) string {
	return fmt.Sprintf("positions_%s.jsonl", day.UTC().Format(dayLayout))
}

// Start creates the output directory, opens today's file and starts the
// rotation timer
func (s *Storage) Start() error {
	if err := os.MkdirAll(s.outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	s.mu.Lock()
	err := s.rotateFile()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.wg.Add(1)
	go s.rotationTimer()

	return nil
}

// Stop closes the current file and stops the rotation timer
func (s *Storage) Stop() error {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

// WriteUpdate appends update to the current day's file as one JSON line
func (s *Storage) WriteUpdate(update *types.PositionUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal position update: %w", err)
	}
	return s.writeLine(data)
}

func (s *Storage) writeLine(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil || s.day != s.now().UTC().Format(dayLayout) {
		if err := s.rotateLocked(); err != nil {
			return err
		}
	}

	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(line, '\n')
	}
	_, err := s.file.Write(line)
	return err
}

// rotationTimer rotates at midnight UTC so idle days are still compressed
func (s *Storage) rotationTimer() {
	defer s.wg.Done()

	for {
		now := s.now().UTC()
		nextMidnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)

		select {
		case <-time.After(nextMidnight.Sub(now)):
			s.mu.Lock()
			err := s.rotateLocked()
			s.mu.Unlock()
			if err != nil {
				s.logger.Error().Err(err).Msg("Error during rotation")
			}
		case <-s.stopChan:
			return
		}
	}
}

// rotateLocked closes the open file, compresses it when it belongs to an
// earlier day and opens today's file
func (s *Storage) rotateLocked() error {
	today := s.now().UTC().Format(dayLayout)

	if s.file != nil {
		prev := s.file.Name()
		prevDay := s.day
		if err := s.file.Close(); err != nil {
			s.logger.Warn().Err(err).Str("file", prev).Msg("Failed to close archive file")
		}
		s.file = nil

		if prevDay != today {
			if err := s.compressFile(prev); err != nil {
				return fmt.Errorf("failed to compress file: %w", err)
			}
			s.logger.Info().Str("file", prev+".gz").Msg("Compressed archive")
		}
	}

	return s.rotateFile()
}

// compressFile gzips path into path.gz and removes the original
func (s *Storage) compressFile(path string) error {
	source, err := os.Open(path)
	if err != nil {
		return err
	}
	defer source.Close()

	target, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	defer target.Close()

	gzipWriter := gzip.NewWriter(target)
	gzipWriter.Name = filepath.Base(path)

	if _, err := io.Copy(gzipWriter, source); err != nil {
		return err
	}
	if err := gzipWriter.Close(); err != nil {
		return err
	}

	return os.Remove(path)
}

// rotateFile opens the file for the current UTC day
func (s *Storage) rotateFile() error {
	now := s.now().UTC()
	filename := filepath.Join(s.outputDir, FileName(now))

	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}

	s.file = file
	s.day = now.Format(dayLayout)
	return nil
}
