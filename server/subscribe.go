package server

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"section-notifier/pkg/notifier"
)

// maxItemsPerRequest bounds one subscribe request.
const maxItemsPerRequest = 20

type subscribeRequest struct {
	Email string   `json:"email"`
	Items []string `json:"items"`
}

type subscribeResponse struct {
	Email   string            `json:"email"`
	Created []notifier.ItemID `json:"created"`
	Existed []notifier.ItemID `json:"existing"`
}

func wantsJSON(r *http.Request) bool {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return ct == "application/json"
}

func (s *Server) parseSubscribe(w http.ResponseWriter, r *http.Request) (*subscribeRequest, error) {
	if wantsJSON(r) {
		var req subscribeRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
		if err := dec.Decode(&req); err != nil {
			return nil, fmt.Errorf("invalid JSON body: %w", err)
		}
		return &req, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("invalid form data: %w", err)
	}
	req := &subscribeRequest{Email: r.FormValue("email")}
	// Accept repeated item fields and comma or whitespace separated lists.
	for _, v := range r.Form["items"] {
		req.Items = append(req.Items, strings.FieldsFunc(v, func(c rune) bool {
			return c == ',' || c == ' ' || c == '\n' || c == '\r' || c == '\t'
		})...)
	}
	return req, nil
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, msg string) {
	if wantsJSON(r) {
		writeJSON(w, status, map[string]string{"error": msg}, s.logger)
		return
	}
	http.Error(w, msg, status)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseSubscribe(w, r)
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err.Error())
		return
	}

	email := notifier.NormalizeAddress(req.Email)
	if !notifier.ValidAddress(email) {
		s.fail(w, r, http.StatusBadRequest, "Invalid email address")
		return
	}

	seen := make(map[notifier.ItemID]bool, len(req.Items))
	var items []notifier.ItemID
	for _, raw := range req.Items {
		item := notifier.NormalizeItem(raw)
		if item == "" || seen[item] {
			continue
		}
		if !notifier.ValidItem(item) {
			s.fail(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid course code %q - use the form SUBJ*1234 (e.g., CIS*3260)", raw))
			return
		}
		seen[item] = true
		items = append(items, item)
	}
	if len(items) == 0 {
		s.fail(w, r, http.StatusBadRequest, "At least one course code is required")
		return
	}
	if len(items) > maxItemsPerRequest {
		s.fail(w, r, http.StatusBadRequest, fmt.Sprintf("At most %d course codes per request", maxItemsPerRequest))
		return
	}

	resp := subscribeResponse{Email: email}
	for _, item := range items {
		created, err := s.store.Subscribe(r.Context(), item, email)
		if err != nil {
			s.logger.Error("Failed to save subscription", "item", item, "error", err)
			s.fail(w, r, http.StatusInternalServerError, "Failed to create subscription")
			return
		}
		if created {
			resp.Created = append(resp.Created, item)
		} else {
			resp.Existed = append(resp.Existed, item)
		}
	}

	if len(resp.Created) > 0 {
		if err := s.emailer.SendWelcome(r.Context(), email, resp.Created); err != nil {
			// Log error but don't fail the subscription
			s.logger.Warn("Failed to send welcome email", "email", email, "error", err)
		}
		s.logger.Info("Subscription created", "email", email, "items", resp.Created, "ip", clientIP(r))
	}

	setEmailCookie(w, email)

	if wantsJSON(r) {
		status := http.StatusOK
		if len(resp.Created) > 0 {
			status = http.StatusCreated
		}
		writeJSON(w, status, resp, s.logger)
		return
	}

	setSecurityHeaders(w)
	tmpl := "subscribed.tmpl"
	if len(resp.Created) == 0 {
		tmpl = "already_subscribed.tmpl"
	}
	s.render(w, http.StatusOK, tmpl, resp)
}
