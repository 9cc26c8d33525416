package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/caopulan/arXivDaily/internal/favorites"
	"github.com/caopulan/arXivDaily/internal/feed"
	"github.com/caopulan/arXivDaily/internal/papers"
)

// MCPDeps holds dependencies for the MCP server. Tools act as DefaultUser
// unless the call carries an explicit user argument.
type MCPDeps struct {
	Papers      *papers.Store
	Favorites   *favorites.Service
	Feed        *feed.Assembler
	DefaultUser string
}

// NewMCPServer creates an MCP server exposing the paper feed and favorite
// folders as tools and resources.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"arxivd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("arxivd — personal arXiv reading list: daily paper feed, favorite folders, similarity ranking."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("find_paper",
			mcp.WithDescription("Look up a paper by its arXiv id across all stored dates."),
			mcp.WithString("id", mcp.Description("Paper id, e.g. 2401.12345"), mcp.Required()),
		),
		mcpFindPaper(deps),
	)

	s.AddTool(
		mcp.NewTool("daily_feed",
			mcp.WithDescription("Return the grouped, similarity-ranked paper feed for a date."),
			mcp.WithString("date", mcp.Description("Date as YYYY-MM-DD (default: last viewed, then newest)")),
			mcp.WithString("user", mcp.Description("Acting user id (default: the configured user)")),
		),
		mcpDailyFeed(deps),
	)

	s.AddTool(
		mcp.NewTool("save_to_favorite",
			mcp.WithDescription("Save a paper into a favorite folder, creating the folder if needed."),
			mcp.WithString("paper_id", mcp.Description("Paper id to save"), mcp.Required()),
			mcp.WithString("folder", mcp.Description("Favorite folder name"), mcp.Required()),
			mcp.WithString("user", mcp.Description("Acting user id (default: the configured user)")),
		),
		mcpSaveToFavorite(deps),
	)

	s.AddTool(
		mcp.NewTool("list_favorites",
			mcp.WithDescription("List favorite folders, optionally ranked by similarity to a paper."),
			mcp.WithString("paper_id", mcp.Description("Optional paper id to rank folders against")),
			mcp.WithString("user", mcp.Description("Acting user id (default: the configured user)")),
		),
		mcpListFavorites(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"user://favorites",
			"Favorite Folders",
			mcp.WithResourceDescription("The configured user's favorite folders as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceFavorites(deps),
	)

	return s
}

func (d MCPDeps) user(req mcp.CallToolRequest) string {
	if u := req.GetString("user", ""); u != "" {
		return u
	}
	return d.DefaultUser
}

func mcpFindPaper(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		p, date, ok := deps.Papers.FindByID(id)
		if !ok {
			return mcpError(fmt.Sprintf("paper %s not found", id)), nil
		}

		b, err := json.Marshal(map[string]any{
			"paper": p,
			"date":  date.Format(time.DateOnly),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal paper: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpDailyFeed(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		fr := feed.Request{UserID: deps.user(req)}
		if raw := req.GetString("date", ""); raw != "" {
			d, err := time.Parse(time.DateOnly, raw)
			if err != nil {
				return mcpError(fmt.Sprintf("invalid date %q: want YYYY-MM-DD", raw)), nil
			}
			fr.Date = d
		}

		result, err := deps.Feed.Assemble(fr)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to assemble feed: %v", err)), nil
		}

		// Compact listing; full records are one find_paper call away.
		type feedEntry struct {
			ID         string   `json:"id"`
			Title      string   `json:"title"`
			Group      string   `json:"group"`
			Similarity *float64 `json:"similarity,omitempty"`
			Saved      bool     `json:"saved,omitempty"`
		}
		entries := []feedEntry{}
		for _, g := range result.Groups {
			for _, p := range g.Papers {
				title := p.TitleEN
				if title == "" {
					title = p.TitleZH
				}
				entries = append(entries, feedEntry{
					ID:         p.ID,
					Title:      title,
					Group:      g.Key,
					Similarity: p.Similarity,
					Saved:      p.Saved,
				})
			}
		}

		b, err := json.Marshal(map[string]any{
			"date":   result.DateString,
			"papers": entries,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal feed: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSaveToFavorite(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		paperID, err := req.RequireString("paper_id")
		if err != nil {
			return mcpError("paper_id is required"), nil
		}
		folder, err := req.RequireString("folder")
		if err != nil {
			return mcpError("folder is required"), nil
		}

		uid := deps.user(req)
		fav, err := deps.Favorites.Ensure(uid, folder)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to create folder: %v", err)), nil
		}

		added, err := deps.Favorites.AddPaper(ctx, uid, fav.ID, paperID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save paper: %v", err)), nil
		}
		if !added {
			return mcpText(fmt.Sprintf("Paper %s is already in %q", paperID, fav.Name)), nil
		}
		return mcpText(fmt.Sprintf("Saved paper %s to %q", paperID, fav.Name)), nil
	}
}

func mcpListFavorites(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		entries, err := deps.Favorites.WithSimilarity(deps.user(req), req.GetString("paper_id", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list favorites: %v", err)), nil
		}

		b, err := json.Marshal(entries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal favorites: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceFavorites(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		entries, err := deps.Favorites.WithSimilarity(deps.DefaultUser, "")
		if err != nil {
			return nil, fmt.Errorf("failed to list favorites: %w", err)
		}

		b, err := json.Marshal(entries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal favorites: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
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
