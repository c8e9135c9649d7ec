package api

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/aminofabian/fnms-sub000/internal/app"
	"github.com/aminofabian/fnms-sub000/pkg/paystack"
)

// PaystackWebhookHandler receives gateway events. The signature is checked over the raw body
// before anything else. Every authentic delivery is acknowledged with 200, including ones
// that could not be applied, so Paystack does not keep retrying; those are logged instead.
func (h *Handlers) PaystackWebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	outcome, err := h.webhooks.HandleWebhook(r.Context(), body, r.Header.Get(paystack.SignatureHeader))
	if errors.Is(err, app.ErrInvalidSignature) {
		log.Printf("level=warn component=api endpoint=paystack_webhook outcome=reject reason=invalid_signature remote=%s", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}
	if err != nil {
		log.Printf("level=error component=api endpoint=paystack_webhook outcome=%s msg=\"delivery acknowledged without being applied\" err=%v", outcome, err)
	} else {
		log.Printf("level=info component=api endpoint=paystack_webhook outcome=%s", outcome)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
