package testutil

import (
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/TheMichaelB/daybook/internal/events"
	"github.com/TheMichaelB/daybook/internal/models"
)

// T0 is the reference instant used by fixtures.
var T0 = time.Date(2024, 3, 1, 9, 59, 0, 0, time.UTC)

// tokenKey signs fixture tokens. Clients never verify the signature.
var tokenKey = []byte("daybook-test-signing-key")

// NewTestLogger creates a logger for testing.
func NewTestLogger() *events.Logger {
	return events.NewTestLogger(events.DebugLevel, "json", io.Discard)
}

// SignedToken returns an HS256 token for userID expiring at expires.
func SignedToken(userID string, expires time.Time) string {
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tokenKey)
	if err != nil {
		panic(err)
	}
	return token
}

// TaskRecord builds a task record.
func TaskRecord(id, title string, at time.Time) models.Record {
	data, err := models.EncodePayload(models.Task{Title: title})
	if err != nil {
		panic(err)
	}
	return models.NewRecord(id, at, data)
}

// NoteRecord builds a note record.
func NoteRecord(id, title, content string, at time.Time) models.Record {
	data, err := models.EncodePayload(models.Note{Title: title, Content: content})
	if err != nil {
		panic(err)
	}
	return models.NewRecord(id, at, data)
}

// IDs lists record ids in order.
func IDs(records []models.Record) []string {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	return ids
}
