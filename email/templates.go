package email

import (
	"fmt"
	"net/url"
	"strings"

	"section-notifier/pkg/notifier"
)

const pageStyle = "<style>\n" +
	"body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }\n" +
	".item { margin-bottom: 24px; padding-bottom: 24px; border-bottom: 2px solid #2e86c1; }\n" +
	".item:last-of-type { border-bottom: none; padding-bottom: 0; margin-bottom: 0; }\n" +
	".item h3 { margin: 0 0 8px 0; color: #2e86c1; }\n" +
	".record { margin: 6px 0; padding: 8px 12px; background: #f8f9fa; border-radius: 6px; }\n" +
	".footer { margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; font-size: 0.9em; color: #7f8c8d; }\n" +
	"a { color: #2e86c1; text-decoration: none; }\n" +
	"a:hover { text-decoration: underline; }\n" +
	"@media (prefers-color-scheme: dark) {\n" +
	"body { background: #1a1a1a; color: #e0e0e0; }\n" +
	".record { background: #2a2a2a; }\n" +
	".footer { border-top-color: #444; color: #a0a0a0; }\n" +
	"a, .item h3 { color: #5dade2; }\n" +
	"}\n" +
	"</style>\n"

func writeHead(b *strings.Builder) {
	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString(pageStyle)
	b.WriteString("</head>\n<body>\n")
}

// noticeSubject names the items a notice covers.
func noticeSubject(items []notifier.ItemID) string {
	switch len(items) {
	case 0:
		return "Course sections available"
	case 1:
		return fmt.Sprintf("%s has open sections", items[0])
	default:
		names := make([]string, len(items))
		for i, item := range items {
			names[i] = string(item)
		}
		return "Open sections: " + strings.Join(names, ", ")
	}
}

// formatNoticeBody renders one paragraph per item listing its records.
// Items with no records contribute nothing.
func (s *Sender) formatNoticeBody(notice *notifier.Notice) string {
	var b strings.Builder
	writeHead(&b)

	for _, item := range notice.Items {
		records := notice.Records[item]
		if len(records) == 0 {
			continue
		}
		b.WriteString("<div class=\"item\">\n")
		b.WriteString(fmt.Sprintf("<h3>%s</h3>\n", escapeHTML(string(item))))
		b.WriteString(fmt.Sprintf("<p>%d open section(s):</p>\n", len(records)))
		for _, rec := range records {
			fields := make([]string, 0, len(rec))
			for _, f := range rec {
				fields = append(fields, escapeHTML(f))
			}
			b.WriteString(fmt.Sprintf("<div class=\"record\">%s</div>\n", strings.Join(fields, "<br>")))
		}
		b.WriteString("</div>\n")
	}

	// Bcc notices share one body, so only a single visible recipient gets a personal link.
	if !notice.Blind && len(notice.Recipients) == 1 {
		if link := s.unsubscribeURL(notice.Recipients[0], notice.Items); link != "" {
			b.WriteString("<div class=\"footer\">\n")
			b.WriteString(fmt.Sprintf("<a href=\"%s\">Unsubscribe</a>\n", escapeHTML(link)))
			b.WriteString("</div>\n")
		}
	}

	b.WriteString("</body>\n</html>")
	return b.String()
}

func (s *Sender) formatWelcomeBody(address string, items []notifier.ItemID) string {
	var b strings.Builder
	writeHead(&b)

	b.WriteString("<h2>Course Section Alerts Confirmed</h2>\n")
	b.WriteString(fmt.Sprintf("<p>%s will get at most one email per day for each course below while it has open sections:</p>\n", escapeHTML(address)))
	b.WriteString("<ul>\n")
	for _, item := range items {
		b.WriteString(fmt.Sprintf("<li>%s</li>\n", escapeHTML(string(item))))
	}
	b.WriteString("</ul>\n")

	if link := s.unsubscribeURL(address, items); link != "" {
		b.WriteString("<div class=\"footer\">\n")
		b.WriteString(fmt.Sprintf("<a href=\"%s\">Unsubscribe</a>\n", escapeHTML(link)))
		b.WriteString("</div>\n")
	}

	b.WriteString("</body>\n</html>")
	return b.String()
}

func (s *Sender) unsubscribeURL(address string, items []notifier.ItemID) string {
	if s.tokens == nil || s.baseURL == "" {
		return ""
	}
	q := url.Values{}
	q.Set("email", address)
	q.Set("token", s.tokens.TokenFromEmail(address))
	for _, item := range items {
		q.Add("item", string(item))
	}
	return fmt.Sprintf("%s/unsubscribe?%s", strings.TrimRight(s.baseURL, "/"), q.Encode())
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
