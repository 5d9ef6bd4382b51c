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

package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"keeper/internal/metrics"
	"keeper/pkg/escrow"
)

const testSecret = "test-webhook-secret"

func newTestServer(t *testing.T) (*httptest.Server, *routerFixture) {
	t.Helper()
	metrics.Reset()

	f := newRouterFixture(t)
	srv := NewServer(testSecret, f.router, f.client.Redis(), f.router.log)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, f
}

func postWebhook(t *testing.T, ts *httptest.Server, body, signature string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/webhooks/helius", strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Id", "wh-test")
	if signature != "" {
		req.Header.Set("X-Helius-Signature", signature)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post webhook: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestWebhookEndpointRejectsBadSignature(t *testing.T) {
	ts, f := newTestServer(t)

	resp := postWebhook(t, ts, `[]`, "deadbeef")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["ok"] != false || body["reason"] != "signature verification failed" {
		t.Errorf("unexpected body %v", body)
	}
	if f.api.calls != 0 {
		t.Errorf("expected no side effects on bad signature")
	}
}

func TestWebhookEndpointRejectsMissingSignature(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := postWebhook(t, ts, `[]`, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestWebhookEndpointRejectsMalformedJSON(t *testing.T) {
	ts, _ := newTestServer(t)

	body := `{not json`
	resp := postWebhook(t, ts, body, sign(testSecret, []byte(body)))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	decoded := decodeBody(t, resp)
	if decoded["reason"] != "malformed json" {
		t.Errorf("unexpected body %v", decoded)
	}
}

func TestWebhookEndpointAcceptsFundedEvent(t *testing.T) {
	ts, f := newTestServer(t)
	deliveryBy := f.now.Unix() + 72*3600
	f.api.snaps["D-1"] = escrow.DealSnapshot{ID: "D-1", State: escrow.StateFunded, DeliveryBy: deliveryBy}

	body := `[{"type":"DEAL_FUNDED","signature":"sig-1","slot":100,"timestamp":1700000000,"dealId":"D-1"}]`
	resp := postWebhook(t, ts, body, sign(testSecret, []byte(body)))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	decoded := decodeBody(t, resp)
	if decoded["ok"] != true || decoded["accepted"] != float64(1) || decoded["ignored"] != float64(0) {
		t.Errorf("unexpected body %v", decoded)
	}

	// One delivery deadline and one reminder 24h ahead.
	if got := f.pending(t, "deadlines"); len(got) != 1 {
		t.Errorf("expected 1 pending deadline, got %v", got)
	}
	if got := f.pending(t, "reminders"); len(got) != 1 {
		t.Errorf("expected 1 pending reminder, got %v", got)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["ok"] != true || body["service"] != ServiceName {
		t.Errorf("unexpected body %v", body)
	}
	if _, ok := body["time"].(string); !ok {
		t.Errorf("expected time field, got %v", body["time"])
	}
}

func TestReadyEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/ready")
	if err != nil {
		t.Fatalf("get ready: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestCorrelationIDEchoed(t *testing.T) {
	ts, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("X-Correlation-Id", "corr-42")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Correlation-Id"); got != "corr-42" {
		t.Errorf("expected correlation id echoed, got %q", got)
	}
}

func TestSecurityHeadersPresent(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("expected nosniff, got %q", got)
	}
	if got := resp.Header.Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("expected DENY, got %q", got)
	}
}
