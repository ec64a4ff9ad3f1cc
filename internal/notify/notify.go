// Package notify delivers escalation notices to an external human channel.
// Delivery is fire-and-forget: the gate engine never blocks on, or fails
// because of, the notification sink.
package notify

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"gateline/internal/domain"
)

const defaultTimeout = 5 * time.Second

// Sink receives raised escalations.
type Sink interface {
	EscalationRaised(e domain.Escalation)
}

// Webhook posts escalation records as JSON to a configured URL.
type Webhook struct {
	URL    string
	Client *http.Client
}

// NewWebhook returns a webhook sink, or a no-op sink when url is empty.
func NewWebhook(url string) Sink {
	if strings.TrimSpace(url) == "" {
		return Noop{}
	}
	return &Webhook{
		URL:    url,
		Client: &http.Client{Timeout: defaultTimeout},
	}
}

func (w *Webhook) EscalationRaised(e domain.Escalation) {
	go func() {
		payload, err := json.Marshal(e)
		if err != nil {
			log.Printf("notify: marshal escalation %s: %v", e.ID, err)
			return
		}
		resp, err := w.Client.Post(w.URL, "application/json", bytes.NewReader(payload))
		if err != nil {
			log.Printf("notify: post escalation %s: %v", e.ID, err)
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			log.Printf("notify: post escalation %s: status %d", e.ID, resp.StatusCode)
		}
	}()
}

// Noop drops notifications; used when no channel is configured.
type Noop struct{}

func (Noop) EscalationRaised(domain.Escalation) {}
