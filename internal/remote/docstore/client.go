// Package docstore is the REST document backend adapter.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/TheMichaelB/daybook/internal/events"
	"github.com/TheMichaelB/daybook/internal/models"
	"github.com/TheMichaelB/daybook/internal/transport"
)

// Endpoints.
const (
	healthPath  = "/v1/health"
	changesPath = "/v1/changes"
)

type documentsResponse struct {
	Documents []models.Record `json:"documents"`
}

type batchUpsertRequest struct {
	Documents []models.Record `json:"documents"`
}

type softDeleteRequest struct {
	DeletedAt time.Time `json:"deleted_at"`
}

type changesRequest struct {
	Since map[models.Collection]*time.Time `json:"since"`
}

type changesResponse struct {
	Changes map[models.Collection][]models.Record `json:"changes"`
}

// Client talks to the document backend. The bearer token scopes every call
// to its user; updatedAt is the client timestamp carried by each record.
type Client struct {
	transport transport.Transport
	feedPath  string
	logger    *events.Logger
}

// New creates a document backend client. An empty feedPath disables Changes.
func New(tr transport.Transport, feedPath string, logger *events.Logger) *Client {
	return &Client{
		transport: tr,
		feedPath:  feedPath,
		logger:    logger.WithField("component", "docstore"),
	}
}

// Name returns the backend name.
func (c *Client) Name() string {
	return "document"
}

// Ping checks the backend health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.transport.Do(ctx, http.MethodGet, healthPath, nil, nil)
}

func documentsPath(coll models.Collection) string {
	return "/v1/collections/" + url.PathEscape(string(coll)) + "/documents"
}

// Fetch lists the documents of a collection.
func (c *Client) Fetch(ctx context.Context, scope string, coll models.Collection, since *time.Time) ([]models.Record, error) {
	if !coll.Valid() {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownCollection, coll)
	}

	path := documentsPath(coll)
	if since != nil {
		path += "?since=" + url.QueryEscape(models.FormatTime(*since))
	}

	var resp documentsResponse
	if err := c.transport.Do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, annotate(err, coll, "")
	}

	c.logger.WithFields(map[string]interface{}{
		"scope":       scope,
		"collection":  coll,
		"incremental": since != nil,
		"count":       len(resp.Documents),
	}).Debug("Fetched documents")

	if since == nil {
		return models.LiveOnly(resp.Documents), nil
	}
	return resp.Documents, nil
}

// FetchChanges reads several collections through the consolidated endpoint.
func (c *Client) FetchChanges(ctx context.Context, scope string, since map[models.Collection]*time.Time) (map[models.Collection][]models.Record, error) {
	for coll := range since {
		if !coll.Valid() {
			return nil, fmt.Errorf("%w: %q", models.ErrUnknownCollection, coll)
		}
	}

	var resp changesResponse
	if err := c.transport.Do(ctx, http.MethodPost, changesPath, changesRequest{Since: since}, &resp); err != nil {
		return nil, annotate(err, "", "")
	}

	out := make(map[models.Collection][]models.Record, len(since))
	for coll, s := range since {
		records := resp.Changes[coll]
		if s == nil {
			records = models.LiveOnly(records)
		}
		out[coll] = records
	}
	return out, nil
}

// UpsertBatch writes records in one request.
func (c *Client) UpsertBatch(ctx context.Context, scope string, coll models.Collection, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}

	path := documentsPath(coll) + ":batchUpsert"
	if err := c.transport.Do(ctx, http.MethodPost, path, batchUpsertRequest{Documents: records}, nil); err != nil {
		id := ""
		if len(records) == 1 {
			id = records[0].ID
		}
		return annotate(err, coll, id)
	}

	c.logger.WithFields(map[string]interface{}{
		"scope":      scope,
		"collection": coll,
		"count":      len(records),
	}).Debug("Upserted documents")
	return nil
}

// SoftDelete tombstones a document.
func (c *Client) SoftDelete(ctx context.Context, scope string, coll models.Collection, id string, at time.Time) error {
	path := documentsPath(coll) + "/" + url.PathEscape(id) + ":softDelete"
	if err := c.transport.Do(ctx, http.MethodPost, path, softDeleteRequest{DeletedAt: at.UTC()}, nil); err != nil {
		return annotate(err, coll, id)
	}
	return nil
}

// Changes opens the push feed for collections.
func (c *Client) Changes(ctx context.Context, collections []models.Collection) (<-chan models.FeedMessage, error) {
	if c.feedPath == "" {
		return nil, errors.New("change feed disabled")
	}
	return c.transport.Stream(ctx, c.feedPath, collections)
}

// annotate fills in which record a validation rejection refers to.
func annotate(err error, coll models.Collection, id string) error {
	var v *models.ValidationError
	if errors.As(err, &v) {
		if v.Collection == "" {
			v.Collection = coll
		}
		if v.RecordID == "" {
			v.RecordID = id
		}
	}
	return err
}
