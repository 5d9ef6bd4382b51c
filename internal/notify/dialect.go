// Keeper is an escrow deal timing service.
// Copyright (C) 2026 The Keeper Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"keeper/internal/metrics"
)

// Dialect posts notes to a Dialect-style messaging API. Every request
// carries an Idempotency-Key derived from the note content, so queue
// retries collapse into one delivered message.
type Dialect struct {
	base string // normalized by config to end with "/"
	key  string
	http *http.Client
	log  *zap.Logger
}

// NewDialect returns the dialect driver.
func NewDialect(baseURL, apiKey string, log *zap.Logger) *Dialect {
	return &Dialect{
		base: baseURL,
		key:  apiKey,
		http: &http.Client{Timeout: 10 * time.Second},
		log:  log,
	}
}

func (d *Dialect) SendReminder(ctx context.Context, note ReminderNote) error {
	return d.post(ctx, KindReminder, "v1/notifications/reminder", note)
}

func (d *Dialect) NotifyReviewer(ctx context.Context, note ReviewerNote) error {
	return d.post(ctx, KindReviewer, "v1/notifications/reviewer", note)
}

func (d *Dialect) NotifyParties(ctx context.Context, note PartyNote) error {
	return d.post(ctx, KindParties, "v1/notifications/parties", note)
}

func (d *Dialect) post(ctx context.Context, kind, path string, note any) error {
	key, err := idempotencyKey(kind, note)
	if err != nil {
		return err
	}
	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal %s note: %w", kind, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", kind, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Dialect-Key", d.key)
	req.Header.Set("Idempotency-Key", key)

	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("send %s note: %w", kind, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("send %s note: unexpected status %d", kind, resp.StatusCode)
	}

	d.log.Debug("notification delivered",
		zap.String("kind", kind),
		zap.String("idempotency_key", key))
	metrics.IncNotification(kind, "dialect")
	return nil
}
