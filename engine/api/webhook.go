package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/PagewiseAI/pagewise-mvp/engine/domain"
)

// signatureHeader carries the hex HMAC-SHA256 of the raw request body.
const signatureHeader = "X-Firecrawl-Signature"

// maxWebhookBody bounds a single delivery. Completed events replay whole
// crawls, so this is generous.
const maxWebhookBody = 32 << 20

// verifySignature checks the delivery signature against the raw body.
// A "sha256=" prefix on the header value is accepted. Comparison is
// constant time.
func verifySignature(secret, body []byte, header string) error {
	header = strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	if header == "" {
		return domain.ErrAuth
	}
	got, err := hex.DecodeString(header)
	if err != nil {
		return domain.ErrAuth
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return domain.ErrAuth
	}
	return nil
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, `{"error":"unreadable body"}`, http.StatusBadRequest)
		return
	}

	// No configured secret disables verification (degraded mode, logged at
	// startup). With a secret, every delivery must carry a valid signature.
	if len(s.secret) > 0 {
		if err := verifySignature(s.secret, body, r.Header.Get(signatureHeader)); err != nil {
			s.log.Warn("webhook signature rejected", "remote", r.RemoteAddr)
			http.Error(w, `{"error":"invalid signature"}`, http.StatusUnauthorized)
			return
		}
	}

	ev, err := domain.ParseEvent(body)
	switch {
	case errors.Is(err, domain.ErrUnknownEventType):
		// Forward compatibility: acknowledge and skip types we don't know.
		s.log.Warn("skipping unknown event type", "type", ev.Type, "crawl_id", ev.CrawlID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "skipped"})
		return
	case err != nil:
		s.log.Warn("webhook payload rejected", "error", err)
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	if err := s.dispatch.Enqueue(ev); err != nil {
		if errors.Is(err, domain.ErrBackpressure) {
			http.Error(w, `{"error":"ingest queue full, retry later"}`, http.StatusServiceUnavailable)
			return
		}
		s.log.Error("enqueue failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
