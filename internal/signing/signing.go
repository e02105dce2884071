// Package signing talks to the signature collection service: it opens
// signing sessions and reports their status through a polling or a
// webhook-driven feed.
package signing

import (
	"context"
	"fmt"
)

// Status is the lifecycle status of a signing session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// IsTerminal reports whether no further status changes will follow.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// ParseStatus validates a status received from the signing service.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusCompleted, StatusCancelled, StatusExpired:
		return st, nil
	}
	return "", fmt.Errorf("signing: unknown session status %q", s)
}

// Update is one status observation for a session.
type Update struct {
	SessionID         string `json:"session_id" validate:"required"`
	Status            Status `json:"status" validate:"required,oneof=pending completed cancelled expired"`
	SignedDocumentURL string `json:"signed_document_url,omitempty" validate:"omitempty,url"`
}

// StatusLookup fetches the current status of a session.
type StatusLookup interface {
	GetSession(ctx context.Context, sessionID string) (Update, error)
}

// Feed streams status updates for a session. The returned channel is closed
// after the first terminal status, when ctx is done, or when the feed gives
// up; a close without a terminal update means the status is unknown.
type Feed interface {
	Subscribe(ctx context.Context, sessionID string) (<-chan Update, error)
}

// Service is the signature collection service as seen by the orchestrator.
type Service struct {
	client *Client
	feed   Feed
}

// NewService composes the session client with a status feed.
func NewService(client *Client, feed Feed) *Service {
	return &Service{client: client, feed: feed}
}

// RequestSignature opens a signing session and returns its id.
func (s *Service) RequestSignature(ctx context.Context, documentID, customerLabel string) (string, error) {
	return s.client.CreateSession(ctx, documentID, customerLabel)
}

// SubscribeToSessionStatus streams status updates for sessionID.
func (s *Service) SubscribeToSessionStatus(ctx context.Context, sessionID string) (<-chan Update, error) {
	return s.feed.Subscribe(ctx, sessionID)
}
