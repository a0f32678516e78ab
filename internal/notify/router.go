package notify

import (
	"sync"

	"slawatch/internal/logging"
	"slawatch/internal/store"
)

// Router resolves which webhook a message goes to. Escalations always
// go to the operations webhook; reminders go to the org's configured
// group, falling back to the operations webhook so nothing is silently
// dropped.
type Router struct {
	store *store.Store

	mu                   sync.RWMutex
	escalationWebhookURL string
}

// NewRouter creates a router over the group-config table.
func NewRouter(st *store.Store, escalationWebhookURL string) *Router {
	return &Router{store: st, escalationWebhookURL: escalationWebhookURL}
}

// ReminderWebhook returns the webhook for an org's reminder messages.
func (r *Router) ReminderWebhook(orgName string) string {
	g, err := r.store.GroupConfigByOrg(orgName)
	if err != nil {
		logging.NotifyWarn("Group lookup failed for %s, using escalation webhook: %v", orgName, err)
		return r.EscalationWebhook()
	}
	if g == nil || !g.Enabled || g.WebhookURL == "" {
		logging.NotifyDebug("No enabled group for %s, using escalation webhook", orgName)
		return r.EscalationWebhook()
	}
	return g.WebhookURL
}

// EscalationWebhook returns the operations webhook.
func (r *Router) EscalationWebhook() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.escalationWebhookURL
}

// SetEscalationWebhook replaces the operations webhook. The config
// watcher calls this on file reload; in-flight ticks pick it up on
// their next send.
func (r *Router) SetEscalationWebhook(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if url != "" && url != r.escalationWebhookURL {
		logging.Notify("Escalation webhook updated")
		r.escalationWebhookURL = url
	}
}
