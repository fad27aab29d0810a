package server

import (
	"net/http"
	"net/url"

	"section-notifier/pkg/notifier"
)

type unsubscribePage struct {
	Email string
	Token string
	Items []notifier.ItemID
}

// linkFrom validates the email and token of an unsubscribe link.
func (s *Server) linkFrom(values url.Values) (*unsubscribePage, bool) {
	email := notifier.NormalizeAddress(values.Get("email"))
	token := values.Get("token")
	if email == "" || len(token) != 64 || !s.tokens.Verify(email, token) {
		return nil, false
	}
	page := &unsubscribePage{Email: email, Token: token}
	seen := make(map[notifier.ItemID]bool)
	for _, raw := range values["item"] {
		item := notifier.NormalizeItem(raw)
		if notifier.ValidItem(item) && !seen[item] {
			seen[item] = true
			page.Items = append(page.Items, item)
		}
	}
	return page, true
}

// handleUnsubscribeForm shows a confirmation page. Link scanners follow GET
// links, so nothing is removed until the form is posted.
func (s *Server) handleUnsubscribeForm(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w)
	page, ok := s.linkFrom(r.URL.Query())
	if !ok {
		s.logger.Warn("Invalid unsubscribe link", "ip", clientIP(r))
		s.render(w, http.StatusForbidden, "invalid_link.tmpl", nil)
		return
	}
	s.render(w, http.StatusOK, "unsubscribe.tmpl", page)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}
	page, ok := s.linkFrom(r.PostForm)
	if !ok {
		s.logger.Warn("Invalid unsubscribe token", "ip", clientIP(r))
		s.render(w, http.StatusForbidden, "invalid_link.tmpl", nil)
		return
	}
	if len(page.Items) == 0 {
		http.Error(w, "Select at least one course", http.StatusBadRequest)
		return
	}

	var removed []notifier.ItemID
	for _, item := range page.Items {
		err := s.store.Unsubscribe(r.Context(), item, page.Email)
		if err != nil && !s.isNotFound(err) {
			s.logger.Error("Failed to delete subscription", "item", item, "error", err)
			http.Error(w, "Failed to unsubscribe", http.StatusInternalServerError)
			return
		}
		if err == nil {
			removed = append(removed, item)
		}
	}

	s.logger.Info("Subscriptions removed", "email", page.Email, "items", removed)
	s.render(w, http.StatusOK, "unsubscribed.tmpl", &unsubscribePage{Email: page.Email, Items: removed})
}
