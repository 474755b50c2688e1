package notion

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/macjediwizard/calnotionsync/internal/model"
)

// Page is a database row as returned by the API.
type Page struct {
	ID             string                     `json:"id"`
	Archived       bool                       `json:"archived"`
	InTrash        bool                       `json:"in_trash"`
	LastEditedTime time.Time                  `json:"last_edited_time"`
	Parent         Parent                     `json:"parent"`
	Properties     map[string]json.RawMessage `json:"properties"`
}

// Parent identifies what a page belongs to.
type Parent struct {
	Type       string `json:"type"`
	DatabaseID string `json:"database_id,omitempty"`
}

// Gone reports whether the page was archived or trashed.
func (p *Page) Gone() bool {
	return p.Archived || p.InTrash
}

type queryResponse struct {
	Results    []*Page `json:"results"`
	HasMore    bool    `json:"has_more"`
	NextCursor string  `json:"next_cursor"`
}

// QueryDatabase returns every live page of the configured database that
// matches filter. A nil filter returns all pages.
func (c *Client) QueryDatabase(ctx context.Context, filter any) ([]*Page, error) {
	var pages []*Page
	cursor := ""
	for {
		body := map[string]any{"page_size": 100}
		if filter != nil {
			body["filter"] = filter
		}
		if cursor != "" {
			body["start_cursor"] = cursor
		}
		var res queryResponse
		if err := c.do(ctx, "query database", http.MethodPost, "/v1/databases/"+c.databaseID+"/query", body, &res); err != nil {
			return nil, err
		}
		for _, p := range res.Results {
			if !p.Gone() {
				pages = append(pages, p)
			}
		}
		if !res.HasMore || res.NextCursor == "" {
			return pages, nil
		}
		cursor = res.NextCursor
	}
}

// GetPage fetches a page. Archived pages are returned with Gone() true.
func (c *Client) GetPage(ctx context.Context, id string) (*Page, error) {
	var p Page
	if err := c.do(ctx, "get page", http.MethodGet, "/v1/pages/"+id, nil, &p); err != nil {
		if model.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s: %w", ErrPageNotFound, id, err)
		}
		return nil, err
	}
	return &p, nil
}

// CreatePage creates a row in the configured database.
func (c *Client) CreatePage(ctx context.Context, props map[string]any) (*Page, error) {
	body := map[string]any{
		"parent":     map[string]string{"database_id": c.databaseID},
		"properties": props,
	}
	var p Page
	if err := c.do(ctx, "create page", http.MethodPost, "/v1/pages", body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdatePage patches page properties.
func (c *Client) UpdatePage(ctx context.Context, id string, props map[string]any) (*Page, error) {
	var p Page
	if err := c.do(ctx, "update page", http.MethodPatch, "/v1/pages/"+id, map[string]any{"properties": props}, &p); err != nil {
		if model.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s: %w", ErrPageNotFound, id, err)
		}
		return nil, err
	}
	return &p, nil
}

// ArchivePage moves a page to the trash.
func (c *Client) ArchivePage(ctx context.Context, id string) error {
	if err := c.do(ctx, "archive page", http.MethodPatch, "/v1/pages/"+id, map[string]any{"archived": true}, nil); err != nil {
		if model.IsNotFound(err) {
			return fmt.Errorf("%w: %s: %w", ErrPageNotFound, id, err)
		}
		return err
	}
	return nil
}

// Ping checks the token and database by retrieving the database.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "get database", http.MethodGet, "/v1/databases/"+c.databaseID, nil, nil)
}
