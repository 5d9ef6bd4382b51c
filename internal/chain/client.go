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

// Package chain looks up transaction signatures on the Solana JSON-RPC
// endpoint. Correlation is advisory: the webhook router logs what the
// chain says about a signature but never blocks intake on it, so the
// RPC sits behind a circuit breaker and failures degrade to a log line.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrUnknownSignature reports that the RPC node has no record of the
// signature.
var ErrUnknownSignature = errors.New("signature not found")

const rpcTimeout = 5 * time.Second

// Status is the confirmation state of one transaction signature.
type Status struct {
	Slot               int64           `json:"slot"`
	Confirmations      *int64          `json:"confirmations"`
	ConfirmationStatus string          `json:"confirmationStatus"`
	Err                json.RawMessage `json:"err"`
}

// Failed reports whether the transaction landed with an error.
func (s Status) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

// Client queries one RPC endpoint.
type Client struct {
	endpoint string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
	log      *zap.Logger
}

// New returns a client for the RPC endpoint. The breaker opens after
// five consecutive failures and probes again after thirty seconds.
func New(endpoint string, log *zap.Logger) *Client {
	settings := gobreaker.Settings{
		Name:        "solana-rpc",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A node that answers "never saw it" is healthy.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrUnknownSignature)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("rpc breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: rpcTimeout},
		breaker:  gobreaker.NewCircuitBreaker(settings),
		log:      log,
	}
}

// SignatureStatus fetches the confirmation status of sig. While the
// breaker is open the call fails immediately with gobreaker.ErrOpenState.
func (c *Client) SignatureStatus(ctx context.Context, sig string) (*Status, error) {
	res, err := c.breaker.Execute(func() (any, error) {
		return c.signatureStatus(ctx, sig)
	})
	if err != nil {
		return nil, err
	}
	return res.(*Status), nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type signatureStatusesResponse struct {
	Result struct {
		Value []*Status `json:"value"`
	} `json:"result"`
	Error *rpcError `json:"error"`
}

func (c *Client) signatureStatus(ctx context.Context, sig string) (*Status, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getSignatureStatuses",
		Params: []any{
			[]string{sig},
			map[string]bool{"searchTransactionHistory": true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc getSignatureStatuses: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rpc getSignatureStatuses: unexpected status %d", resp.StatusCode)
	}

	var decoded signatureStatusesResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode rpc response: %w", err)
	}
	if decoded.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", decoded.Error.Code, decoded.Error.Message)
	}
	if len(decoded.Result.Value) == 0 || decoded.Result.Value[0] == nil {
		return nil, ErrUnknownSignature
	}
	return decoded.Result.Value[0], nil
}
