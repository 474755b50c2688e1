package calendar

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	ErrInvalidSyncToken = errors.New("sync token rejected by server")
	ErrSyncUnsupported  = errors.New("WebDAV-Sync not supported")
)

// SyncItem is a changed or new object from a sync-collection report.
type SyncItem struct {
	Path string `json:"path"`
	ETag string `json:"etag"`
	Data string `json:"data,omitempty"`
}

// SyncResponse is the result of a WebDAV-Sync (RFC 6578) report.
type SyncResponse struct {
	SyncToken string     `json:"sync_token"`
	Changed   []SyncItem `json:"changed"`
	Deleted   []string   `json:"deleted"`
}

type multistatus struct {
	XMLName   xml.Name   `xml:"DAV: multistatus"`
	Responses []response `xml:"response"`
	SyncToken string     `xml:"sync-token"`
}

type response struct {
	Href     string    `xml:"href"`
	PropStat *propstat `xml:"propstat"`
	Status   string    `xml:"status"`
}

type propstat struct {
	Prop   prop   `xml:"prop"`
	Status string `xml:"status"`
}

type prop struct {
	GetETag      string `xml:"getetag"`
	CalendarData string `xml:"urn:ietf:params:xml:ns:caldav calendar-data"`
}

// SyncCollection runs a sync-collection REPORT. An empty token requests the full collection.
func (c *CalDAV) SyncCollection(ctx context.Context, calendarPath, syncToken string) (*SyncResponse, error) {
	reqBody := buildSyncCollectionRequest(syncToken)

	req, err := http.NewRequestWithContext(ctx, "REPORT", c.buildURL(calendarPath), strings.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", "1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusMultiStatus {
		return nil, classifySyncFailure(resp.StatusCode, body)
	}

	return parseSyncResponse(body)
}

// classifySyncFailure separates a rejected token from a server without sync support.
func classifySyncFailure(status int, body []byte) error {
	switch {
	case status == http.StatusGone,
		(status == http.StatusForbidden || status == http.StatusConflict) && strings.Contains(string(body), "valid-sync-token"):
		return fmt.Errorf("%w: status %d", ErrInvalidSyncToken, status)
	case status == http.StatusForbidden || status == http.StatusNotImplemented:
		return fmt.Errorf("%w: status %d", ErrSyncUnsupported, status)
	default:
		return fmt.Errorf("%w: unexpected status %d: %s", ErrInvalidResponse, status, string(body))
	}
}

func buildSyncCollectionRequest(syncToken string) string {
	var tokenElement string
	if syncToken != "" {
		tokenElement = fmt.Sprintf("<D:sync-token>%s</D:sync-token>", xmlEscape(syncToken))
	} else {
		tokenElement = "<D:sync-token/>"
	}

	return fmt.Sprintf(`<?xml version="1.0" encoding="utf-8" ?>
<D:sync-collection xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  %s
  <D:sync-level>1</D:sync-level>
  <D:prop>
    <D:getetag/>
    <C:calendar-data/>
  </D:prop>
</D:sync-collection>`, tokenElement)
}

func parseSyncResponse(body []byte) (*SyncResponse, error) {
	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, fmt.Errorf("%w: failed to parse response: %w", ErrInvalidResponse, err)
	}

	result := &SyncResponse{
		SyncToken: ms.SyncToken,
		Changed:   make([]SyncItem, 0),
		Deleted:   make([]string, 0),
	}

	for _, resp := range ms.Responses {
		if strings.Contains(resp.Status, "404") {
			result.Deleted = append(result.Deleted, resp.Href)
			continue
		}
		if resp.PropStat != nil && strings.Contains(resp.PropStat.Status, "200") {
			// The collection itself is reported without calendar data or an .ics href
			if !strings.HasSuffix(resp.Href, ".ics") && resp.PropStat.Prop.CalendarData == "" {
				continue
			}
			result.Changed = append(result.Changed, SyncItem{
				Path: resp.Href,
				ETag: resp.PropStat.Prop.GetETag,
				Data: resp.PropStat.Prop.CalendarData,
			})
		}
	}

	return result, nil
}

func xmlEscape(s string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return s
	}
	return b.String()
}
