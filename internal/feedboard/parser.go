package feedboard

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"storybridge/internal/domain"

	"github.com/PuerkitoBio/goquery"
)

const bugTypeMarker = "Bug"

type listingResponse struct {
	Data []listingEntry `json:"data"`
}

type listingEntry struct {
	RowID   rowID  `json:"DT_RowId"`
	Status  string `json:"status"`
	Summary string `json:"summary"`
}

// rowID accepts both string and numeric row ids.
type rowID string

func (r *rowID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = rowID(strings.TrimSpace(s))

		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*r = rowID(n.String())

	return nil
}

// parseEntry turns a listing entry into a story. Missing markup is an
// ErrParse for this entry only.
func parseEntry(base *url.URL, entry listingEntry) (domain.Story, error) {
	feedID := string(entry.RowID)
	if feedID == "" {
		return domain.Story{}, fmt.Errorf("%w: row id is empty", domain.ErrParse)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(entry.Summary))
	if err != nil {
		return domain.Story{}, fmt.Errorf("%w: create document from summary: %w", domain.ErrParse, err)
	}

	anchor := doc.Find("a").First()
	if anchor.Length() == 0 {
		return domain.Story{}, fmt.Errorf("%w: summary has no link (feedID = %s)", domain.ErrParse, feedID)
	}

	title := strings.TrimSpace(anchor.Text())
	if title == "" {
		return domain.Story{}, fmt.Errorf("%w: summary link has no title (feedID = %s)", domain.ErrParse, feedID)
	}

	href, ok := anchor.Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return domain.Story{}, fmt.Errorf("%w: summary link has no href (feedID = %s)", domain.ErrParse, feedID)
	}

	canonicalURL, err := resolve(base, href)
	if err != nil {
		return domain.Story{}, fmt.Errorf("%w: resolve href %q: %w", domain.ErrParse, href, err)
	}

	paragraph := doc.Find("p").First()
	if paragraph.Length() == 0 {
		return domain.Story{}, fmt.Errorf("%w: summary has no description (feedID = %s)", domain.ErrParse, feedID)
	}

	storyType := domain.StoryTypeFeature
	if strings.Contains(doc.Find("span").First().Text(), bugTypeMarker) {
		storyType = domain.StoryTypeBug
	}

	status := normalizeStatus(entry.Status)
	if status == "" {
		return domain.Story{}, fmt.Errorf("%w: status is empty (feedID = %s)", domain.ErrParse, feedID)
	}

	return domain.Story{
		FeedID: feedID,
		Feed: domain.FeedData{
			Status:       status,
			Title:        title,
			Description:  strings.TrimSpace(paragraph.Text()),
			Type:         storyType,
			CanonicalURL: canonicalURL,
		},
	}, nil
}

// normalizeStatus turns labels like "In Progress" or "<span>planned</span>"
// into the slug form used by the status endpoint.
func normalizeStatus(raw string) domain.FeedStatus {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "<") {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw)); err == nil {
			raw = strings.TrimSpace(doc.Text())
		}
	}

	raw = strings.ToLower(raw)
	raw = strings.Join(strings.Fields(raw), "_")

	return domain.FeedStatus(raw)
}

func resolve(base *url.URL, href string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", err
	}

	if base == nil {
		if !ref.IsAbs() {
			return "", errors.New("relative href without base URL")
		}

		return ref.String(), nil
	}

	return base.ResolveReference(ref).String(), nil
}

// parseCSRFToken extracts the anti-forgery token from an entry page.
func parseCSRFToken(doc *goquery.Document) (string, error) {
	token, ok := doc.Find("meta[name='csrf-token']").First().Attr("content")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return "", fmt.Errorf("%w: page has no csrf token", domain.ErrParse)
	}

	return token, nil
}
