package chat

import "time"

// SessionState is the lifecycle state of one tenant's chat session.
type SessionState string

const (
	StateUninitialized SessionState = "uninitialized"
	StateInitializing  SessionState = "initializing"
	StateScan          SessionState = "scan"
	StateAuthenticated SessionState = "authenticated"
	StateAuthFailure   SessionState = "auth_failure"
	StateConnected     SessionState = "connected"
	StateDisconnected  SessionState = "disconnected"
	StateLoggedOut     SessionState = "logged_out"
	StateNotConfigured SessionState = "not_configured"
	StateError         SessionState = "error"
)

// StatusSnapshotV1 is broadcast to tenant subscribers on every transition.
type StatusSnapshotV1 struct {
	TenantID  string       `json:"tenantId"`
	State     SessionState `json:"state"`
	Ready     bool         `json:"ready"`
	QR        string       `json:"qr,omitempty"`        // raw pairing payload
	QRDataURL string       `json:"qrDataUrl,omitempty"` // PNG data URL of QR
	Error     string       `json:"error,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

func NewStatusSnapshot(tenantID string, state SessionState, at time.Time) StatusSnapshotV1 {
	return StatusSnapshotV1{
		TenantID:  tenantID,
		State:     state,
		Ready:     state == StateConnected,
		Timestamp: at,
	}
}
