package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/TheMichaelB/daybook/internal/events"
	"github.com/TheMichaelB/daybook/internal/models"
)

// JSONStore is the small tier: one checksummed file per owner and collection.
type JSONStore struct {
	baseDir string
	logger  *events.Logger

	mu sync.RWMutex
}

// collectionFile is the on-disk layout.
type collectionFile struct {
	SchemaVersion int               `json:"schema_version"`
	Collection    models.Collection `json:"collection"`
	SavedAt       time.Time         `json:"saved_at"`
	Records       []models.Record   `json:"records"`
	Checksum      string            `json:"checksum,omitempty"`
}

// NewJSONStore creates a file-backed store rooted at baseDir.
func NewJSONStore(baseDir string, logger *events.Logger) (*JSONStore, error) {
	absPath, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}

	if err := os.MkdirAll(absPath, 0700); err != nil {
		return nil, wrap("create store directory", absPath, err)
	}

	return &JSONStore{
		baseDir: absPath,
		logger:  logger.WithField("component", "json_record_store"),
	}, nil
}

// Get reads the collection file. A missing file is an empty collection.
func (s *JSONStore) Get(_ context.Context, owner string, c models.Collection) ([]models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path, err := s.filePath(owner, c)
	if err != nil {
		return nil, err
	}

	return s.load(path)
}

// Put upserts one record.
func (s *JSONStore) Put(ctx context.Context, owner string, c models.Collection, r models.Record) error {
	return s.PutMany(ctx, owner, c, []models.Record{r})
}

// PutMany upserts records with a single file rewrite.
func (s *JSONStore) PutMany(_ context.Context, owner string, c models.Collection, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}

	return s.update(owner, c, func(byID map[string]models.Record) {
		for _, r := range records {
			byID[r.ID] = r.Clone()
		}
	})
}

// Replace overwrites the collection file.
func (s *JSONStore) Replace(_ context.Context, owner string, c models.Collection, records []models.Record) error {
	return s.update(owner, c, func(byID map[string]models.Record) {
		for id := range byID {
			delete(byID, id)
		}
		for _, r := range records {
			byID[r.ID] = r.Clone()
		}
	})
}

// Delete removes a record from the collection file.
func (s *JSONStore) Delete(_ context.Context, owner string, c models.Collection, id string) error {
	return s.update(owner, c, func(byID map[string]models.Record) {
		delete(byID, id)
	})
}

// Close releases resources.
func (s *JSONStore) Close() error {
	return nil
}

func (s *JSONStore) update(owner string, c models.Collection, fn func(map[string]models.Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.filePath(owner, c)
	if err != nil {
		return err
	}

	existing, err := s.load(path)
	if err != nil {
		return err
	}

	byID := make(map[string]models.Record, len(existing))
	for _, r := range existing {
		byID[r.ID] = r
	}

	fn(byID)

	records := make([]models.Record, 0, len(byID))
	for _, r := range byID {
		records = append(records, r)
	}
	sortRecords(records)

	return s.save(path, c, records)
}

func (s *JSONStore) load(path string) ([]models.Record, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("read store file", path, err)
	}

	file, err := decodeFile(data)
	if err != nil {
		s.logger.WithError(err).WithField("path", path).Error("Store file corrupt")

		backup, backupErr := os.ReadFile(path + ".backup")
		if backupErr == nil {
			if file, err := decodeFile(backup); err == nil {
				s.logger.WithField("path", path).Warn("Loaded store file from backup due to corruption")
				return file.Records, nil
			}
		}
		return nil, &models.StorageFatalError{Op: "load", Path: path, Err: ErrCorrupt}
	}

	if file.SchemaVersion != CurrentSchemaVersion {
		s.logger.WithField("version", file.SchemaVersion).Warn("Store file schema version mismatch")
	}

	return file.Records, nil
}

func decodeFile(data []byte) (*collectionFile, error) {
	var file collectionFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse store file: %w", err)
	}

	if file.Checksum != "" {
		expected := file.Checksum
		file.Checksum = ""
		calculated, err := checksum(&file)
		if err != nil {
			return nil, err
		}
		if calculated != expected {
			return nil, fmt.Errorf("checksum mismatch: expected %s, got %s", expected, calculated)
		}
		file.Checksum = expected
	}

	return &file, nil
}

func checksum(file *collectionFile) (string, error) {
	data, err := json.Marshal(file)
	if err != nil {
		return "", fmt.Errorf("marshal for checksum: %w", err)
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

func (s *JSONStore) save(path string, c models.Collection, records []models.Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return wrap("create owner directory", path, err)
	}

	file := collectionFile{
		SchemaVersion: CurrentSchemaVersion,
		Collection:    c,
		SavedAt:       time.Now().UTC(),
		Records:       records,
	}

	sum, err := checksum(&file)
	if err != nil {
		return err
	}
	file.Checksum = sum

	data, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("marshal store file: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".backup"); err != nil {
			s.logger.WithError(err).Warn("Failed to create backup")
		}
	}

	tmpPath := fmt.Sprintf("%s.tmp.%d", path, time.Now().UnixNano())
	if err := writeSynced(tmpPath, data); err != nil {
		_ = os.Remove(tmpPath)
		return wrap("write temp file", tmpPath, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return wrap("rename store file", path, err)
	}

	s.logger.WithFields(map[string]interface{}{
		"path":    path,
		"records": len(records),
	}).Debug("Saved store file")

	return nil
}

// filePath maps owner and collection to <base>/<owner>/<collection>.json.
func (s *JSONStore) filePath(owner string, c models.Collection) (string, error) {
	if !c.Valid() {
		return "", fmt.Errorf("%w: %s", models.ErrUnknownCollection, c)
	}

	if owner == "" || strings.ContainsRune(owner, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidOwner, owner)
	}

	segment := url.PathEscape(owner)
	if segment == "." || segment == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidOwner, owner)
	}

	path := filepath.Join(s.baseDir, segment, string(c)+".json")
	if !strings.HasPrefix(path, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path escapes base directory", ErrInvalidOwner)
	}

	return path, nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
