package feedboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"storybridge/internal/domain"

	"github.com/PuerkitoBio/goquery"
	"mvdan.cc/xurls/v2"
)

const (
	clientTimeout   = 30 * time.Second
	maxListingBytes = 10 << 20

	acceptJSON = "application/json, text/javascript, */*; q=0.01"
	acceptHTML = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	formType   = "application/x-www-form-urlencoded"

	commentVisibility = "internal"
)

type Config struct {
	// BaseURL resolves relative entry links found in the listing.
	BaseURL    string
	StoriesURL string
	Cookie     string
	Headers    map[string]string
	// WriteInterval is the minimum gap between two writes to the board.
	WriteInterval time.Duration
}

// Client reads entries from the feedback board and writes status changes
// and comments back to it.
type Client struct {
	cfg       Config
	base      *url.URL
	http      *http.Client
	pacer     *pacer
	httpsURLs *regexp.Regexp
	log       *slog.Logger
}

func New(cfg Config, log *slog.Logger) (*Client, error) {
	var base *url.URL
	if strings.TrimSpace(cfg.BaseURL) != "" {
		parsed, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
		if err != nil {
			return nil, fmt.Errorf("parse base URL: %w", err)
		}
		base = parsed
	}

	if strings.TrimSpace(cfg.StoriesURL) == "" {
		return nil, errors.New("stories URL is empty")
	}

	httpsURLs, err := xurls.StrictMatchingScheme("https://")
	if err != nil {
		return nil, fmt.Errorf("create regexp: %w", err)
	}

	return &Client{
		cfg:       cfg,
		base:      base,
		http:      &http.Client{Timeout: clientTimeout},
		pacer:     newPacer(cfg.WriteInterval, log),
		httpsURLs: httpsURLs,
		log:       log,
	}, nil
}

// Close stops the write pacer. Pending writes fail.
func (c *Client) Close() {
	c.pacer.Stop()
}

// LoadStories fetches the whole listing. Entries that cannot be parsed are
// dropped with a warning; only transport and decoding failures fail the
// call, wrapped in domain.ErrRemoteFetch.
func (c *Client) LoadStories(ctx context.Context) ([]domain.Story, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.cfg.StoriesURL, acceptJSON, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: do request: %w", domain.ErrRemoteFetch, err)
	}
	defer c.closeBody(ctx, resp, "LoadStories")

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status: %d", domain.ErrRemoteFetch, resp.StatusCode)
	}

	var listing listingResponse
	if err = json.NewDecoder(io.LimitReader(resp.Body, maxListingBytes)).Decode(&listing); err != nil {
		return nil, fmt.Errorf("%w: decode listing: %w", domain.ErrRemoteFetch, err)
	}

	stories := make([]domain.Story, 0, len(listing.Data))
	seen := make(map[string]struct{}, len(listing.Data))

	for _, entry := range listing.Data {
		s, parseErr := parseEntry(c.base, entry)
		if parseErr != nil {
			c.log.WarnContext(ctx, "Skipping unparsable feed board entry",
				"error", parseErr,
				"feedID", string(entry.RowID))

			continue
		}

		if _, ok := seen[s.FeedID]; ok {
			continue
		}
		seen[s.FeedID] = struct{}{}

		stories = append(stories, s)
	}

	return stories, nil
}

// ApplyStatus sets the entry's public status. The returned story carries the
// new status and the resolved page URL. Failures are not retried.
func (c *Client) ApplyStatus(
	ctx context.Context,
	s domain.Story,
	status domain.FeedStatus,
) (domain.Story, error) {
	err := c.pacer.Do(ctx, c.host(s), func() error {
		token, trueURL, err := c.fetchToken(ctx, s)
		if err != nil {
			return err
		}
		s.Feed.TrueURL = trueURL

		form := url.Values{}
		form.Set("_method", "put")
		form.Set("authenticity_token", token)

		target := trueURL + "/set_status?" + url.Values{"status": {string(status)}}.Encode()

		return c.submitForm(ctx, http.MethodPut, target, form, "ApplyStatus")
	})
	if err != nil {
		return s, fmt.Errorf("apply status %q (feedID = %s): %w", status, s.FeedID, err)
	}

	c.log.InfoContext(ctx, "Feed board status is updated",
		"feedID", s.FeedID,
		"title", s.Feed.Title,
		"oldStatus", s.Feed.Status,
		"newStatus", status)

	s.Feed.Status = status

	return s, nil
}

// LinkStories comments the project board ticket URL on every story's feed
// board entry. Each story is processed independently; a failed link is
// logged and the story is still returned so its project ID gets persisted.
func (c *Client) LinkStories(ctx context.Context, stories []domain.Story) []domain.Story {
	linked := make([]domain.Story, len(stories))
	copy(linked, stories)

	var wg sync.WaitGroup
	for i := range linked {
		wg.Add(1)

		go func(s *domain.Story) {
			defer wg.Done()

			if err := c.linkStory(ctx, s); err != nil {
				c.log.ErrorContext(ctx, "Failed to link project story",
					"error", err,
					"feedID", s.FeedID,
					"appURL", s.Project.AppURL)

				return
			}

			c.log.InfoContext(ctx, "Project story is linked",
				"feedID", s.FeedID,
				"appURL", s.Project.AppURL)
		}(&linked[i])
	}

	wg.Wait()

	return linked
}

func (c *Client) linkStory(ctx context.Context, s *domain.Story) error {
	appURL := c.httpsURLs.FindString(s.Project.AppURL)
	if appURL == "" {
		return fmt.Errorf("project story has no https URL (appURL = %q)", s.Project.AppURL)
	}

	return c.pacer.Do(ctx, c.host(*s), func() error {
		token, trueURL, err := c.fetchToken(ctx, *s)
		if err != nil {
			return err
		}
		s.Feed.TrueURL = trueURL

		form := url.Values{}
		form.Set("authenticity_token", token)
		form.Set("utf8", "✓")
		form.Set("comment[body]", CommentBody(appURL))
		form.Set("comment[visibility]", commentVisibility)

		return c.submitForm(ctx, http.MethodPost, trueURL+"/comments", form, "LinkStories")
	})
}

// CommentBody is the back-link comment posted on a feed board entry.
func CommentBody(appURL string) string {
	return fmt.Sprintf(`Project story url:&nbsp;<a href="%s">%s</a>`, appURL, appURL)
}

// fetchToken loads the entry page and returns a fresh csrf token together
// with the redirect-resolved page URL.
func (c *Client) fetchToken(ctx context.Context, s domain.Story) (string, string, error) {
	pageURL := s.Feed.CanonicalURL
	if pageURL == "" {
		pageURL = s.Feed.TrueURL
	}
	if pageURL == "" {
		return "", "", fmt.Errorf("%w: story has no page URL", domain.ErrRemoteWrite)
	}

	req, err := c.newRequest(ctx, http.MethodGet, pageURL, acceptHTML, nil)
	if err != nil {
		return "", "", fmt.Errorf("create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("%w: fetch page: %w", domain.ErrRemoteWrite, err)
	}
	defer c.closeBody(ctx, resp, "fetchToken")

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("%w: fetch page: unexpected status: %d", domain.ErrRemoteWrite, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("%w: create document from reader: %w", domain.ErrRemoteWrite, err)
	}

	token, err := parseCSRFToken(doc)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", domain.ErrRemoteWrite, err)
	}

	trueURL := pageURL
	if resp.Request != nil && resp.Request.URL != nil {
		trueURL = resp.Request.URL.String()
	}

	return token, strings.TrimRight(trueURL, "/"), nil
}

func (c *Client) submitForm(
	ctx context.Context,
	method string,
	target string,
	form url.Values,
	operation string,
) error {
	req, err := c.newRequest(ctx, method, target, acceptHTML, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", formType)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: do request: %w", domain.ErrRemoteWrite, err)
	}
	defer c.closeBody(ctx, resp, operation)

	if resp.StatusCode < 200 || resp.StatusCode > 399 {
		return fmt.Errorf("%w: unexpected status: %d", domain.ErrRemoteWrite, resp.StatusCode)
	}

	return nil
}

func (c *Client) newRequest(
	ctx context.Context,
	method string,
	target string,
	accept string,
	body io.Reader,
) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}

	for name, value := range c.cfg.Headers {
		req.Header.Set(name, value)
	}
	if c.cfg.Cookie != "" {
		req.Header.Set("Cookie", c.cfg.Cookie)
	}
	req.Header.Set("Accept", accept)

	return req, nil
}

func (c *Client) closeBody(ctx context.Context, resp *http.Response, operation string) {
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	if err := resp.Body.Close(); err != nil {
		c.log.ErrorContext(ctx, "Failed to close response body",
			"error", err,
			"operation", operation)
	}
}

func (c *Client) host(s domain.Story) string {
	raw := s.Feed.TrueURL
	if raw == "" {
		raw = s.Feed.CanonicalURL
	}

	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	return u.Host
}
