package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newDelivery(event, body, signature string) *http.Request {
	req := httptest.NewRequest("POST", "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", "delivery-1")
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	return req
}

func TestHandler_AcceptsSignedDelivery(t *testing.T) {
	handler := Handler([]byte("s3cret"), discard)
	body := `{"action":"queued","workflow_job":{"runner_name":"","labels":["self-hosted","openstack-small"]}}`

	w := httptest.NewRecorder()
	handler(w, newDelivery("workflow_job", body, sign("s3cret", body)))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_RejectsBadSignature(t *testing.T) {
	handler := Handler([]byte("s3cret"), discard)
	body := `{"action":"queued"}`

	w := httptest.NewRecorder()
	handler(w, newDelivery("workflow_job", body, sign("wrong-secret", body)))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_RejectsMissingSignature(t *testing.T) {
	handler := Handler([]byte("s3cret"), discard)

	w := httptest.NewRecorder()
	handler(w, newDelivery("workflow_job", `{"action":"queued"}`, ""))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_EmptySecretSkipsVerification(t *testing.T) {
	handler := Handler(nil, discard)

	w := httptest.NewRecorder()
	handler(w, newDelivery("ping", `{"zen":"Keep it logically awesome."}`, ""))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_UnparsableEventStillAccepted(t *testing.T) {
	// An event type the library does not know still returns 200; the
	// handler only logs, it never drives scaling.
	handler := Handler([]byte("s3cret"), discard)
	body := `{"whatever":true}`

	w := httptest.NewRecorder()
	handler(w, newDelivery("made_up_event", body, sign("s3cret", body)))

	assert.Equal(t, http.StatusOK, w.Code)
}
