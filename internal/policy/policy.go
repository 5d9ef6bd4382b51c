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

// Package policy gates automatic finalization of escrow funds. Moving
// money without a human in the loop is opt-in per direction; everything
// the gate refuses routes to review instead.
package policy

import "keeper/pkg/escrow"

// Gate holds the auto-finalize switches. The zero value allows nothing.
type Gate struct {
	release bool
	refund  bool
}

// NewGate returns a Gate with the given switches.
func NewGate(release, refund bool) Gate {
	return Gate{release: release, refund: refund}
}

// AllowsAutoFinalize reports whether the suggested action may be
// finalized without a human. REVIEW is never auto-finalized.
func (g Gate) AllowsAutoFinalize(action escrow.SuggestedAction) bool {
	switch action {
	case escrow.SuggestRelease:
		return g.release
	case escrow.SuggestRefund:
		return g.refund
	default:
		return false
	}
}

// Downgrade returns the action the gate permits: the suggestion itself
// when its switch is on, REVIEW otherwise.
func (g Gate) Downgrade(action escrow.SuggestedAction) escrow.SuggestedAction {
	if g.AllowsAutoFinalize(action) {
		return action
	}
	return escrow.SuggestReview
}
