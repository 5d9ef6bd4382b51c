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

// Package dealapi is the HTTP client for the deal service. Processors
// never trust a queued payload for lifecycle decisions; they fetch the
// deal snapshot from here at processing time.
package dealapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"keeper/pkg/escrow"
)

// ErrNotFound reports that the deal service has no deal with that id.
var ErrNotFound = errors.New("deal not found")

const (
	snapshotTimeout = 5 * time.Second
	finalizeTimeout = 7 * time.Second

	maxResponseBytes = 1 << 20
)

// FinalizeLinks are the approval artifacts the deal service prepares for
// a finalization: a human-facing approval page and a wallet Blink.
type FinalizeLinks struct {
	ApprovalURL string `json:"approvalUrl"`
	BlinkURL    string `json:"blinkUrl"`
}

// Client talks to the deal service.
type Client struct {
	base string
	http *http.Client
	log  *zap.Logger
}

// New returns a client for the deal service at baseURL.
func New(baseURL string, log *zap.Logger) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 15 * time.Second},
		log:  log,
	}
}

// GetDealSnapshot fetches the authoritative state of one deal. Lookups
// are bounded to 5 seconds on top of the caller's context.
func (c *Client) GetDealSnapshot(ctx context.Context, dealID string) (escrow.DealSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	u := fmt.Sprintf("%s/api/v1/deals/%s", c.base, url.PathEscape(dealID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return escrow.DealSnapshot{}, fmt.Errorf("build deal request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return escrow.DealSnapshot{}, fmt.Errorf("fetch deal %s: %w", dealID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return escrow.DealSnapshot{}, fmt.Errorf("deal %s: %w", dealID, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return escrow.DealSnapshot{}, fmt.Errorf("fetch deal %s: unexpected status %d", dealID, resp.StatusCode)
	}

	var snap escrow.DealSnapshot
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&snap); err != nil {
		return escrow.DealSnapshot{}, fmt.Errorf("decode deal %s: %w", dealID, err)
	}
	if err := snap.Validate(); err != nil {
		return escrow.DealSnapshot{}, fmt.Errorf("invalid snapshot for deal %s: %w", dealID, err)
	}
	return snap, nil
}

// PrepareFinalize asks the deal service to prepare a finalization of the
// given action and returns the approval links. The deal service owns
// idempotency here: preparing the same finalization twice returns the
// same links.
func (c *Client) PrepareFinalize(ctx context.Context, dealID string, action escrow.SuggestedAction) (FinalizeLinks, error) {
	ctx, cancel := context.WithTimeout(ctx, finalizeTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"action": string(action)})
	if err != nil {
		return FinalizeLinks{}, fmt.Errorf("marshal finalize request: %w", err)
	}

	u := fmt.Sprintf("%s/api/v1/deals/%s/finalize", c.base, url.PathEscape(dealID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return FinalizeLinks{}, fmt.Errorf("build finalize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return FinalizeLinks{}, fmt.Errorf("prepare finalize for deal %s: %w", dealID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return FinalizeLinks{}, fmt.Errorf("deal %s: %w", dealID, ErrNotFound)
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		return FinalizeLinks{}, fmt.Errorf("prepare finalize for deal %s: unexpected status %d", dealID, resp.StatusCode)
	}

	var links FinalizeLinks
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&links); err != nil {
		return FinalizeLinks{}, fmt.Errorf("decode finalize response for deal %s: %w", dealID, err)
	}
	return links, nil
}
