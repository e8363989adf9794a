package rowstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/TheMichaelB/daybook/internal/models"
)

// classify maps a database error onto the error taxonomy.
func classify(err error, c models.Collection, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "28000", pgErr.Code == "28P01", pgErr.Code == "42501":
			return fmt.Errorf("%w: %w", models.ErrUnauthorized, err)
		case strings.HasPrefix(pgErr.Code, "22"), strings.HasPrefix(pgErr.Code, "23"):
			return &models.ValidationError{Collection: c, RecordID: id, Reason: pgErr.Message, Err: err}
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"), strings.HasPrefix(pgErr.Code, "57P"):
			return fmt.Errorf("%w: %w", models.ErrOffline, err)
		}
		return err
	}

	var connErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case errors.As(err, &connErr),
		errors.As(err, &netErr),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, io.ErrUnexpectedEOF),
		pgconn.SafeToRetry(err),
		pgconn.Timeout(err):
		return fmt.Errorf("%w: %w", models.ErrOffline, err)
	}
	return err
}
