package signing

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/pitabwire/garage/internal/invoker"
)

type createSessionRequest struct {
	DocumentID    string `json:"document_id"`
	CustomerLabel string `json:"customer_label,omitempty"`
}

type sessionResponse struct {
	SessionID         string `json:"session_id"`
	Status            string `json:"status"`
	SignedDocumentURL string `json:"signed_document_url"`
}

// Client is the HTTP client for the signing service's session API.
type Client struct {
	backend *invoker.Client
}

// NewClient creates a session client on top of a resilient backend client.
func NewClient(backend *invoker.Client) *Client {
	return &Client{backend: backend}
}

// CreateSession opens a signing session for a document.
func (c *Client) CreateSession(ctx context.Context, documentID, customerLabel string) (string, error) {
	var resp sessionResponse
	err := c.backend.DoJSON(ctx, invoker.Request{
		Method:    http.MethodPost,
		Path:      "/sessions",
		Operation: "create_session",
		Body:      createSessionRequest{DocumentID: documentID, CustomerLabel: customerLabel},
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("signing: create session for %s: empty session id", documentID)
	}
	return resp.SessionID, nil
}

// GetSession returns the current status of a session.
func (c *Client) GetSession(ctx context.Context, sessionID string) (Update, error) {
	var resp sessionResponse
	err := c.backend.DoJSON(ctx, invoker.Request{
		Method:    http.MethodGet,
		Path:      "/sessions/" + url.PathEscape(sessionID),
		Operation: "get_session",
	}, &resp)
	if err != nil {
		return Update{}, err
	}

	status, err := ParseStatus(resp.Status)
	if err != nil {
		return Update{}, err
	}
	id := resp.SessionID
	if id == "" {
		id = sessionID
	}
	return Update{SessionID: id, Status: status, SignedDocumentURL: resp.SignedDocumentURL}, nil
}
