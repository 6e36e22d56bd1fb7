package server

import (
	"context"

	"github.com/giantswarm/oidc-authserver/storage"
)

// GrantState is the lifecycle state of an authorization request
type GrantState = storage.GrantState

// Authorization request states.
// Requested -> CodeIssued -> Redeemed, Requested -> Denied, or any -> Expired.
const (
	GrantStateRequested  = storage.GrantStateRequested
	GrantStateCodeIssued = storage.GrantStateCodeIssued
	GrantStateRedeemed   = storage.GrantStateRedeemed
	GrantStateDenied     = storage.GrantStateDenied
	GrantStateExpired    = storage.GrantStateExpired
)

// recordGrantTransition logs and counts a state change of an authorization grant
func (s *Server) recordGrantTransition(ctx context.Context, clientID string, state GrantState) {
	s.Logger.Debug("Authorization grant transition", "client_id", clientID, "state", string(state))
	s.metrics().RecordGrantTransition(ctx, clientID, string(state))
}
