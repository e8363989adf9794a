package storage

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/mattn/go-sqlite3"

	"github.com/TheMichaelB/daybook/internal/models"
)

// wrap annotates err with op and promotes disk-full and corruption
// failures to *models.StorageFatalError.
func wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if isFatal(err) {
		return &models.StorageFatalError{Op: op, Path: path, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isFatal(err error) bool {
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, ErrCorrupt) {
		return true
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrFull, sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			return true
		}
	}

	return false
}
