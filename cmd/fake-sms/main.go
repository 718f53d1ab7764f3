package main

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/austindbirch/pallet_sync/internal/logging"
)

// fake-sms stands in for a Twilio-compatible Messages API so the sms channel
// and its retry path can be exercised locally.

func main() {
	logger := logging.New("fake-sms")

	failFirstN := 0
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			failFirstN = n
		}
	}
	addr := os.Getenv("FAKE_SMS_ADDR")
	if addr == "" {
		addr = ":8081"
	}

	rcv := &receiver{
		accountSID: os.Getenv("SMS_ACCOUNT_SID"),
		authToken:  os.Getenv("SMS_AUTH_TOKEN"),
		failFirstN: failFirstN,
		logger:     logger,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.Handle("/2010-04-01/Accounts/", rcv)

	logger.Plain().WithField("addr", addr).Info("fake-sms listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Plain().WithError(err).Fatal("fake-sms server failed")
	}
}

type receiver struct {
	accountSID string
	authToken  string
	failFirstN int
	logger     *logging.Logger

	mu       sync.Mutex
	reqCount int
}

func (rc *receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sid, ok := accountFromPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if rc.accountSID != "" {
		user, pass, ok := r.BasicAuth()
		if !ok || user != sid || sid != rc.accountSID ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(rc.authToken)) != 1 {
			writeError(w, http.StatusUnauthorized, 20003, "Authenticate")
			return
		}
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, 21601, "malformed form body")
		return
	}
	to, body := r.PostForm.Get("To"), r.PostForm.Get("Body")
	if to == "" || body == "" {
		writeError(w, http.StatusBadRequest, 21604, "A 'To' and 'Body' are required")
		return
	}

	rc.mu.Lock()
	rc.reqCount++
	n := rc.reqCount
	rc.mu.Unlock()

	log := rc.logger.Plain().WithFields(map[string]any{"to": to, "request": n})
	// First N requests fail to drive the queue's retry path
	if n <= rc.failFirstN {
		log.Warnf("failing (%d/%d)", n, rc.failFirstN)
		writeError(w, http.StatusServiceUnavailable, 20503, "temporary failure")
		return
	}

	log.WithField("body", truncate(body, 160)).Info("message accepted")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"sid":    "SM" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		"to":     to,
		"from":   r.PostForm.Get("From"),
		"body":   body,
		"status": "queued",
	})
}

// accountFromPath extracts the account sid from
// /2010-04-01/Accounts/{sid}/Messages.json
func accountFromPath(p string) (string, bool) {
	rest, ok := strings.CutPrefix(p, "/2010-04-01/Accounts/")
	if !ok {
		return "", false
	}
	sid, tail, ok := strings.Cut(rest, "/")
	if !ok || sid == "" || tail != "Messages.json" {
		return "", false
	}
	return sid, true
}

func writeError(w http.ResponseWriter, status, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "message": msg, "status": status})
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
