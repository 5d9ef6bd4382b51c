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

package escrow

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// ComputeWebhookID derives the replay-stable identity of one entry in a
// provider webhook batch. It hashes the provider's delivery id, the
// entry's transaction signature, and the entry's index in the batch, so
// the same entry redelivered later maps to the same id while distinct
// entries never collide. Missing inputs are passed as "" and 0.
func ComputeWebhookID(webhookID, sig string, index int) string {
	sum := sha256.Sum256([]byte(webhookID + "|" + sig + "|" + strconv.Itoa(index)))
	return hex.EncodeToString(sum[:])
}
