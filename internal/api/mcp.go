package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/replydesk/internal/authz"
	"github.com/kalambet/replydesk/internal/drafting"
	"github.com/kalambet/replydesk/internal/knowledge"
	"github.com/kalambet/replydesk/internal/storage"
)

// MCPTickets is the ticket surface the MCP tools use.
type MCPTickets interface {
	List(ctx context.Context, p *authz.Principal, f storage.TicketFilter) ([]storage.Ticket, error)
	SetStatus(ctx context.Context, p *authz.Principal, id string, status storage.TicketStatus) (storage.Ticket, error)
}

// MCPDrafts generates drafts for the MCP tools.
type MCPDrafts interface {
	GenerateDraft(ctx context.Context, p *authz.Principal, req drafting.GenerateRequest) (drafting.GenerateResponse, error)
}

// MCPKnowledge searches published knowledge.
type MCPKnowledge interface {
	Retrieve(ctx context.Context, messageText string, ticketTags []string) (knowledge.Result, error)
}

// MCPDeps holds dependencies for the MCP server. Principal is the identity
// every tool call acts as; stdio carries no per-call identity.
type MCPDeps struct {
	Tickets   MCPTickets
	Drafts    MCPDrafts
	Knowledge MCPKnowledge
	Principal authz.Principal
}

// NewMCPServer creates an MCP server with the helpdesk tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"replydesk",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("replydesk: helpdesk tickets, reply drafts, and the support knowledge base."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_tickets",
			mcp.WithDescription("List helpdesk tickets, most recently updated first."),
			mcp.WithString("status", mcp.Description("Filter by status: open, pending, on_hold, closed")),
			mcp.WithString("tag", mcp.Description("Filter by ticket tag")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of tickets (default 20)")),
		),
		mcpListTickets(deps),
	)

	s.AddTool(
		mcp.NewTool("generate_draft",
			mcp.WithDescription("Generate (or regenerate) a reply draft for the latest customer email on a ticket."),
			mcp.WithString("ticket_id", mcp.Description("Ticket ID"), mcp.Required()),
			mcp.WithString("email_id", mcp.Description("Message to reply to; defaults to the latest inbound message")),
		),
		mcpGenerateDraft(deps),
	)

	s.AddTool(
		mcp.NewTool("search_knowledge",
			mcp.WithDescription("Find published knowledge items whose tags appear in the text or match the given tags."),
			mcp.WithString("text", mcp.Description("Customer message or search text"), mcp.Required()),
			mcp.WithArray("tags", mcp.Description("Ticket tags to match exactly")),
		),
		mcpSearchKnowledge(deps),
	)

	s.AddTool(
		mcp.NewTool("set_ticket_status",
			mcp.WithDescription("Change the status of a ticket."),
			mcp.WithString("ticket_id", mcp.Description("Ticket ID"), mcp.Required()),
			mcp.WithString("status", mcp.Description("open, pending, on_hold, or closed"), mcp.Required()),
		),
		mcpSetTicketStatus(deps),
	)

	return s
}

func mcpListTickets(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 200 {
			limit = 200
		}
		p := deps.Principal
		tickets, err := deps.Tickets.List(ctx, &p, storage.TicketFilter{
			Status: storage.TicketStatus(req.GetString("status", "")),
			Tag:    req.GetString("tag", ""),
			Limit:  limit,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("listing tickets failed: %v", err)), nil
		}
		if tickets == nil {
			tickets = []storage.Ticket{}
		}
		return mcpJSON(tickets)
	}
}

func mcpGenerateDraft(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ticketID, err := req.RequireString("ticket_id")
		if err != nil {
			return mcpError("ticket_id is required"), nil
		}
		p := deps.Principal
		resp, err := deps.Drafts.GenerateDraft(context.WithoutCancel(ctx), &p, drafting.GenerateRequest{
			TicketID: ticketID,
			EmailID:  req.GetString("email_id", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("draft generation failed: %v", err)), nil
		}
		return mcpJSON(map[string]any{
			"draft_id":           resp.Draft.ID,
			"action":             resp.Action,
			"draft_text":         resp.Draft.DraftText,
			"fallback":           resp.Result.Fallback,
			"used_knowledge_ids": resp.Result.UsedKnowledgeIDs,
			"used_exemplar_ids":  resp.Result.UsedExemplarIDs,
		})
	}
}

func mcpSearchKnowledge(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		res, err := deps.Knowledge.Retrieve(ctx, text, req.GetStringSlice("tags", nil))
		if err != nil {
			return mcpError(fmt.Sprintf("knowledge search failed: %v", err)), nil
		}

		type itemResult struct {
			ID            string   `json:"id"`
			Title         string   `json:"title"`
			Body          string   `json:"body"`
			Tags          []string `json:"tags"`
			CanParaphrase bool     `json:"can_paraphrase"`
		}
		results := make([]itemResult, len(res.Items))
		for i, k := range res.Items {
			results[i] = itemResult{
				ID:            k.ID,
				Title:         k.Title,
				Body:          k.Body,
				Tags:          k.Tags,
				CanParaphrase: k.CanParaphrase,
			}
		}
		return mcpJSON(results)
	}
}

func mcpSetTicketStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("ticket_id")
		if err != nil {
			return mcpError("ticket_id is required"), nil
		}
		status, err := req.RequireString("status")
		if err != nil {
			return mcpError("status is required"), nil
		}
		p := deps.Principal
		t, err := deps.Tickets.SetStatus(ctx, &p, id, storage.TicketStatus(status))
		if err != nil {
			return mcpError(fmt.Sprintf("setting status failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Ticket %s is now %s", t.ID, t.Status)), nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
