// Package scraper fetches course section availability from WebAdvisor.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"

	"section-notifier/pkg/notifier"
)

const sectionRows = "#GROUP_Grp_WSS_COURSE_SECTIONS > table > tbody > tr"

// headerRows is the number of heading rows at the top of the sections table.
const headerRows = 2

// HTTPStatusError is a non-retryable HTTP response.
type HTTPStatusError struct {
	URL    string
	Status int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.URL)
}

// IsHTTPStatusError checks if an error is a non-retryable HTTP response.
func IsHTTPStatusError(err error) bool {
	var statusErr *HTTPStatusError
	return errors.As(err, &statusErr)
}

// WebAdvisor submits the "Search for Sections" form once per item and reads
// the open rows from the results table.
type WebAdvisor struct {
	client    *http.Client
	logger    *slog.Logger
	searchURL string
	term      string
}

// New creates a new scraper. client should carry a cookie jar; WebAdvisor
// ties the search form to a session.
func New(client *http.Client, searchURL, term string, logger *slog.Logger) *WebAdvisor {
	return &WebAdvisor{
		client:    client,
		logger:    logger,
		searchURL: searchURL,
		term:      term,
	}
}

// FetchAvailability returns the open sections of each item. Items are
// searched in order; any failure abandons the whole snapshot.
func (w *WebAdvisor) FetchAvailability(ctx context.Context, items []notifier.ItemID) (notifier.Snapshot, error) {
	snapshot := make(notifier.Snapshot, len(items))
	for _, item := range items {
		records, err := w.fetchItem(ctx, item)
		if err != nil {
			return nil, &notifier.ScrapeError{Err: fmt.Errorf("%s: %w", item, err)}
		}
		w.logger.Info("Sections parsed", "item", item, "term", w.term, "open_sections", len(records))
		snapshot[item] = records
	}
	return snapshot, nil
}

func (w *WebAdvisor) fetchItem(ctx context.Context, item notifier.ItemID) ([]notifier.Record, error) {
	subject, code, ok := strings.Cut(string(item), "*")
	if !ok || subject == "" || code == "" {
		return nil, fmt.Errorf("malformed item id %q", item)
	}

	form, err := w.fetch(ctx, "load_search_form", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, w.searchURL, http.NoBody)
	})
	if err != nil {
		return nil, fmt.Errorf("load search form: %w", err)
	}

	action, values, err := searchForm(form, w.searchURL)
	if err != nil {
		return nil, err
	}
	values.Set("VAR1", w.term)
	values.Set("LIST.VAR1_1", subject)
	values.Set("LIST.VAR3_1", code)

	results, err := w.fetch(ctx, "submit_section_search", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, action, strings.NewReader(values.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("submit search: %w", err)
	}
	return parseSections(results), nil
}

func (w *WebAdvisor) fetch(ctx context.Context, purpose string, build func() (*http.Request, error)) (*goquery.Document, error) {
	var doc *goquery.Document

	err := retry.Do(
		func() error {
			req, err := build()
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
			req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
			req.Header.Set("Accept-Language", "en-US,en;q=0.9")

			w.logger.Info("HTTP request starting",
				"method", req.Method,
				"url", req.URL.String(),
				"purpose", purpose)

			startTime := time.Now()
			resp, err := w.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				w.logger.Warn("HTTP request failed, will retry",
					"url", req.URL.String(),
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					w.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			w.logger.Info("HTTP request completed",
				"url", req.URL.String(),
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return &HTTPStatusError{URL: req.URL.String(), Status: resp.StatusCode}
			}
			if resp.StatusCode != http.StatusOK {
				w.logger.Warn("HTTP request returned non-OK status, will retry", "status_code", resp.StatusCode)
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			doc, err = goquery.NewDocumentFromReader(io.LimitReader(resp.Body, 8<<20))
			if err != nil {
				w.logger.Error("Failed to parse HTML", "error", err)
				return retry.Unrecoverable(err)
			}
			return nil
		},
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			w.logger.Info("Retrying fetch after error", "attempt", n, "purpose", purpose, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return !IsHTTPStatusError(err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("after retries: %w", err)
	}
	return doc, nil
}

// searchForm returns the absolute action URL of the section search form and
// its current field values.
func searchForm(doc *goquery.Document, pageURL string) (string, url.Values, error) {
	form := doc.Find("#content form").First()
	if form.Length() == 0 {
		form = doc.Find("form").First()
	}
	if form.Length() == 0 {
		return "", nil, errors.New("search form not found")
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return "", nil, fmt.Errorf("parse page url: %w", err)
	}
	action := base
	if raw, ok := form.Attr("action"); ok && raw != "" {
		ref, err := url.Parse(raw)
		if err != nil {
			return "", nil, fmt.Errorf("parse form action: %w", err)
		}
		action = base.ResolveReference(ref)
	}

	values := url.Values{}
	form.Find("input[name]").Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		typ := strings.ToLower(s.AttrOr("type", "text"))
		if typ == "checkbox" || typ == "radio" {
			if _, checked := s.Attr("checked"); !checked {
				return
			}
		}
		values.Set(name, s.AttrOr("value", ""))
	})
	form.Find("select[name]").Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		values.Set(name, s.Find("option[selected]").First().AttrOr("value", ""))
	})
	return action.String(), values, nil
}

// parseSections returns one record per open row of the sections table. The
// first rows are headings; rows classed "closed" are full.
func parseSections(doc *goquery.Document) []notifier.Record {
	var records []notifier.Record
	doc.Find(sectionRows).Each(func(i int, row *goquery.Selection) {
		if i < headerRows || row.HasClass("closed") {
			return
		}
		var cells []string
		row.Find("td").Each(func(_ int, td *goquery.Selection) {
			cells = append(cells, td.Text())
		})
		if rec := ParseRecord(strings.Join(cells, "\n\n")); len(rec) > 0 {
			records = append(records, rec)
		}
	})
	return records
}

var blankLine = regexp.MustCompile(`\n[ \t\r]*\n`)

// ParseRecord splits a raw text block into fields on blank lines. Fields are
// trimmed and empty fields dropped.
func ParseRecord(raw string) notifier.Record {
	var rec notifier.Record
	for _, part := range blankLine.Split(raw, -1) {
		if f := strings.TrimSpace(part); f != "" {
			rec = append(rec, f)
		}
	}
	return rec
}
