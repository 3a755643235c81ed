package verify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

// Result describes a fetched deliverable page.
type Result struct {
	Title     string
	FinalURL  string
	CheckedAt time.Time
}

// Checker fetches a worker's deliverable URL and confirms it resolves to a
// real HTML page before funds are released automatically.
type Checker struct {
	httpClient *http.Client
	maxRetries int
	log        *zap.Logger
}

func NewChecker(fetchTimeout time.Duration, maxRetries int, log *zap.Logger) *Checker {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Checker{
		httpClient: &http.Client{Timeout: fetchTimeout},
		maxRetries: maxRetries,
		log:        log,
	}
}

// Check fetches the URL, retrying transient failures, and parses the page.
func (c *Checker) Check(ctx context.Context, rawURL string) (*Result, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		res, err := c.fetch(ctx, rawURL)
		if err == nil {
			return res, nil
		}
		lastErr = err
		c.log.Debug("deliverable fetch attempt failed",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return nil, fmt.Errorf("deliverable unreachable after %d attempts: %w", c.maxRetries, lastErr)
}

func (c *Checker) fetch(ctx context.Context, rawURL string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "jobforge-verifier/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("deliverable returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse deliverable page: %w", err)
	}

	res, err := inspect(doc)
	if err != nil {
		return nil, err
	}
	res.FinalURL = resp.Request.URL.String()
	res.CheckedAt = time.Now()
	return res, nil
}

// inspect applies the page-level checks. Split out so it is testable without
// a live server.
func inspect(doc *goquery.Document) (*Result, error) {
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		return nil, fmt.Errorf("deliverable page has no title")
	}
	if body := doc.Find("body"); body.Length() > 0 && strings.TrimSpace(body.Text()) == "" {
		return nil, fmt.Errorf("deliverable page has an empty body")
	}
	return &Result{Title: title}, nil
}
