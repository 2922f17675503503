// Package notify posts a signed summary of each sync cycle to a
// configured webhook. Delivery is best-effort: a failed POST never
// fails the cycle that triggered it.
package notify

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/maren/divvy/internal/db"
	"github.com/maren/divvy/internal/syncconfig"
)

// Payload is the webhook POST body: one sync cycle's outcome as seen
// from this device.
type Payload struct {
	DeviceID        string `json:"device_id"`
	DeviceName      string `json:"device_name"`
	Person          string `json:"person"`
	Timestamp       string `json:"timestamp"`
	Pending         int    `json:"pending"`
	OpenConflicts   int    `json:"open_conflicts"`
	PossiblyRemoved bool   `json:"possibly_removed"`
	Error           string `json:"error,omitempty"`
}

// IsEnabled returns true if a webhook URL is configured.
func IsEnabled() bool {
	return syncconfig.GetWebhookURL() != ""
}

// BuildPayload assembles a cycle summary from the ledger's current state.
func BuildPayload(database *db.DB, ident *syncconfig.Identity, cycleErr error) Payload {
	p := Payload{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if ident != nil {
		p.DeviceID = ident.DeviceID
		p.DeviceName = ident.DeviceName
	}
	if self, err := database.SelfPerson(); err == nil && self != nil {
		p.Person = self.Name
	}
	if pending, _, err := database.QueueStats(); err == nil {
		p.Pending = pending
	}
	if open, err := database.PendingConflictCount(); err == nil {
		p.OpenConflicts = open
	}
	if v, err := database.GetMeta(db.MetaPossiblyRemoved); err == nil {
		p.PossiblyRemoved = v == "1"
	}
	if cycleErr != nil {
		p.Error = cycleErr.Error()
	}
	return p
}

// Dispatch performs a synchronous HTTP POST to the webhook URL.
// Returns nil on success (2xx status).
func Dispatch(url, secret string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequest("POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "divvy-webhook/1")

	unixTS := fmt.Sprintf("%d", time.Now().Unix())
	req.Header.Set("X-Divvy-Timestamp", unixTS)

	if secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(unixTS))
		mac.Write([]byte("."))
		mac.Write(body)
		sig := hex.EncodeToString(mac.Sum(nil))
		req.Header.Set("X-Divvy-Signature", "sha256="+sig)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s: status %d", url, resp.StatusCode)
	}
	return nil
}

// AfterCycle builds and delivers a cycle notification if a webhook is
// configured. The delivery error is returned for the caller to log.
func AfterCycle(database *db.DB, ident *syncconfig.Identity, cycleErr error) error {
	url := syncconfig.GetWebhookURL()
	if url == "" {
		return nil
	}
	return Dispatch(url, syncconfig.GetWebhookSecret(), BuildPayload(database, ident, cycleErr))
}
