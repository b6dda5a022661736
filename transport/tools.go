package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/giantswarm/mcp-oauth-bridge/token"
)

// Built-in tool names.
const (
	ToolWhoAmI      = "whoami"
	ToolSessionInfo = "session_info"
)

type whoAmIResult struct {
	Principal  string `json:"principal"`
	ExternalID string `json:"external_id,omitempty"`
	ClientID   string `json:"client_id"`
	Scope      string `json:"scope,omitempty"`
}

type sessionInfoResult struct {
	SessionID      string    `json:"session_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

func (t *Transport) registerTools() {
	t.mcp.AddTool(
		mcp.NewTool(ToolWhoAmI,
			mcp.WithDescription("Returns the principal and client the calling access token was issued to"),
		),
		t.handleWhoAmI,
	)
	t.mcp.AddTool(
		mcp.NewTool(ToolSessionInfo,
			mcp.WithDescription("Returns when the current connection session was created and last active"),
		),
		t.handleSessionInfo,
	)
}

func (t *Transport) handleWhoAmI(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	claims, ok := token.ClaimsFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("no authenticated principal"), nil
	}
	return jsonResult(whoAmIResult{
		Principal:  claims.InternalID(),
		ExternalID: claims.ExternalID,
		ClientID:   claims.ClientID,
		Scope:      claims.Scope,
	})
}

func (t *Transport) handleSessionInfo(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cs := mcpserver.ClientSessionFromContext(ctx)
	if cs == nil {
		return mcp.NewToolResultError("no connection session"), nil
	}
	record, err := t.store.GetConnectionSession(ctx, cs.SessionID())
	if err != nil {
		return mcp.NewToolResultError("connection session not found"), nil
	}
	return jsonResult(sessionInfoResult{
		SessionID:      record.SessionID,
		CreatedAt:      record.CreatedAt,
		LastActivityAt: record.LastActivityAt,
	})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
