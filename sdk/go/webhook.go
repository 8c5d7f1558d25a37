package stagegatesdk

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
)

// OutcomeNotice is the payload of an instance.outcome webhook.
type OutcomeNotice struct {
	EventID         int64
	InstanceID      string
	DocumentID      string
	DocumentKind    string
	CompanyID       string
	Outcome         string
	RejectionReason string
}

// OutcomeHandler returns an http.Handler for webhook deliveries that calls fn
// for each instance.outcome event. Other event types are acknowledged and
// ignored. When secret is set, deliveries must carry it in X-Stagegate-Secret.
func OutcomeHandler(secret string, fn func(r *http.Request, n OutcomeNotice) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Stagegate-Secret")), []byte(secret)) != 1 {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		var evt Event
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		if evt.Type != "instance.outcome" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		n := OutcomeNotice{
			EventID:         evt.ID,
			InstanceID:      evt.EntityID,
			DocumentID:      str(evt.Payload["document_id"]),
			DocumentKind:    str(evt.Payload["document_kind"]),
			CompanyID:       evt.CompanyID,
			Outcome:         str(evt.Payload["outcome"]),
			RejectionReason: str(evt.Payload["rejection_reason"]),
		}
		if err := fn(r, n); err != nil {
			// Non-2xx makes the dispatcher retry this delivery.
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
