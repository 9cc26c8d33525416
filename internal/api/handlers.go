// Package api exposes the reading service over HTTP: the daily feed, paper
// partitions, favorite folders, filter settings, and the reading checkpoint.
// All endpoints are JSON. The acting user comes from the X-User-ID header,
// falling back to the configured default user.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/caopulan/arXivDaily/internal/favorites"
	"github.com/caopulan/arXivDaily/internal/feed"
	"github.com/caopulan/arXivDaily/internal/papers"
	"github.com/caopulan/arXivDaily/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB
const maxImportBodySize = 50 << 20 // 50MB; a day of papers with embeddings

type AppDeps struct {
	Store       *storage.Store
	Papers      *papers.Store
	Favorites   *favorites.Service
	Feed        *feed.Assembler
	Token       string // empty disables auth
	DefaultUser string
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth())

	r.Group(func(g chi.Router) {
		if deps.Token != "" {
			g.Use(BearerAuth(deps.Token))
		}

		g.Get("/feed", handleFeed(deps))
		g.Get("/dates", handleListDates(deps))
		g.Get("/papers/{id}", handleGetPaper(deps))
		g.Post("/papers/{date}", handleImportPapers(deps))

		g.Get("/favorites", handleListFavorites(deps))
		g.Post("/favorites", handleCreateFavorite(deps))
		g.Patch("/favorites/{id}", handleRenameFavorite(deps))
		g.Delete("/favorites/{id}", handleDeleteFavorite(deps))
		g.Get("/favorites/{id}/papers", handleListFavoritePapers(deps))
		g.Put("/favorites/{id}/papers/{paperID}", handleAddFavoritePaper(deps))
		g.Delete("/favorites/{id}/papers/{paperID}", handleRemoveFavoritePaper(deps))

		g.Get("/filters", handleGetFilters(deps))
		g.Put("/filters", handlePutFilters(deps))
		g.Post("/history", handleSaveHistory(deps))
	})

	return r
}

// userID resolves the acting user for a request.
func userID(r *http.Request, deps AppDeps) string {
	if u := r.Header.Get("X-User-ID"); u != "" {
		return u
	}
	return deps.DefaultUser
}

func handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	}
}

func handleFeed(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		req := feed.Request{
			UserID:       userID(r, deps),
			Categories:   q["categories"],
			SimFavorites: q["sim_favorites"],
		}
		if raw := q.Get("date"); raw != "" {
			d, err := time.Parse(time.DateOnly, raw)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid date %q: want YYYY-MM-DD", raw)
				return
			}
			req.Date = d
		}

		result, err := deps.Feed.Assemble(req)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to assemble feed: %v", err)
			return
		}
		writeJSON(w, result)
	}
}

func handleListDates(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dates, err := deps.Papers.ListDates()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list dates: %v", err)
			return
		}
		out := make([]string, len(dates))
		for i, d := range dates {
			out[i] = d.Format(time.DateOnly)
		}
		writeJSON(w, map[string]any{"dates": out})
	}
}

func handleGetPaper(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		p, date, ok := deps.Papers.FindByID(id)
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "paper not found")
			return
		}

		entries, err := deps.Favorites.WithSimilarity(userID(r, deps), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list favorites: %v", err)
			return
		}

		writeJSON(w, map[string]any{
			"paper":     p,
			"date":      date.Format(time.DateOnly),
			"favorites": entries,
		})
	}
}

func handleImportPapers(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := chi.URLParam(r, "date")
		date, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid date %q: want YYYY-MM-DD", raw)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxImportBodySize)
		defer r.Body.Close()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading body: %v", err)
			return
		}

		list, err := papers.DecodePartition(body)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid paper list: %v", err)
			return
		}

		added, err := deps.Papers.MergePapers(date, list)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to import papers: %v", err)
			return
		}
		writeJSON(w, map[string]any{
			"date":     date.Format(time.DateOnly),
			"received": len(list),
			"added":    added,
		})
	}
}

func handleListFavorites(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// With ?paper_id the listing is annotated with membership and
		// similarity for that paper.
		entries, err := deps.Favorites.WithSimilarity(userID(r, deps), r.URL.Query().Get("paper_id"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list favorites: %v", err)
			return
		}
		writeJSON(w, map[string]any{"favorites": entries})
	}
}

type favoriteRequest struct {
	Name string `json:"name"`
}

type favoriteResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

func handleCreateFavorite(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req favoriteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		fav, err := deps.Favorites.Ensure(userID(r, deps), req.Name)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		writeJSON(w, favoriteResponse{
			ID:        fav.ID,
			Name:      fav.Name,
			CreatedAt: fav.CreatedAt.Format(time.RFC3339),
		})
	}
}

func handleRenameFavorite(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req favoriteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		err := deps.Favorites.Rename(userID(r, deps), id, req.Name)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "favorite not found")
		case errors.Is(err, storage.ErrNameTaken):
			httpError(w, http.StatusConflict, "conflict", "favorite name already taken")
		case err != nil:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		default:
			writeJSON(w, map[string]string{"status": "renamed"})
		}
	}
}

func handleDeleteFavorite(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Favorites.Delete(userID(r, deps), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "favorite not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete favorite: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

func handleListFavoritePapers(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := userID(r, deps)
		favID := chi.URLParam(r, "id")

		ids, err := deps.Favorites.MemberPaperIDs(uid, favID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "favorite not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list papers: %v", err)
			return
		}
		if ids == nil {
			ids = []string{}
		}

		// Resolved records, newest publication first. Ids whose papers have
		// vanished from the partitions stay in paper_ids only.
		list, err := deps.Favorites.MemberPapers(uid, favID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to resolve papers: %v", err)
			return
		}
		writeJSON(w, map[string]any{"paper_ids": ids, "papers": list})
	}
}

func handleAddFavoritePaper(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		favID := chi.URLParam(r, "id")
		paperID := chi.URLParam(r, "paperID")

		added, err := deps.Favorites.AddPaper(r.Context(), userID(r, deps), favID, paperID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "favorite not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to add paper: %v", err)
			return
		}
		status := "added"
		if !added {
			status = "exists"
		}
		writeJSON(w, map[string]string{"status": status})
	}
}

func handleRemoveFavoritePaper(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		favID := chi.URLParam(r, "id")
		paperID := chi.URLParam(r, "paperID")

		err := deps.Favorites.RemovePaper(r.Context(), userID(r, deps), favID, paperID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "favorite not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to remove paper: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "removed"})
	}
}

type filtersPayload struct {
	Categories   []string           `json:"categories"`
	Tags         storage.TagFilters `json:"tags"`
	SimFavorites []string           `json:"sim_favorites"`
}

func handleGetFilters(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, exists, err := deps.Store.GetUserFilters(userID(r, deps))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load filters: %v", err)
			return
		}
		options, err := tagOptions(deps, f)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to collect tags: %v", err)
			return
		}
		writeJSON(w, map[string]any{
			"configured":       exists,
			"categories":       emptyIfNil(f.Categories),
			"tags":             normalizedTags(f.Tags),
			"sim_favorites":    emptyIfNil(f.SimFavorites),
			"category_options": deps.Feed.CategoryOptions(),
			"tag_options":      options,
		})
	}
}

func handlePutFilters(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req filtersPayload
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		uid := userID(r, deps)

		// Tag selections are validated against the known pool: every tag seen
		// in a partition plus whatever is already selected, so a persisted tag
		// whose papers aged out of the store stays selectable. Unknown values
		// drop silently.
		current, _, err := deps.Store.GetUserFilters(uid)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load filters: %v", err)
			return
		}
		options, err := tagOptions(deps, current)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to collect tags: %v", err)
			return
		}
		req.Tags.Whitelist = keepKnown(req.Tags.Whitelist, options)
		req.Tags.Blacklist = keepKnown(req.Tags.Blacklist, options)

		// Similarity sources must be the caller's own folders.
		favs, err := deps.Favorites.List(uid)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list favorites: %v", err)
			return
		}
		owned := make([]string, 0, len(favs))
		for _, f := range favs {
			owned = append(owned, f.ID)
		}
		req.SimFavorites = keepKnown(req.SimFavorites, owned)

		if err := deps.Store.SaveUserFilters(uid, req.Categories, req.Tags, req.SimFavorites); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save filters: %v", err)
			return
		}
		writeJSON(w, map[string]any{
			"status":        "updated",
			"tags":          normalizedTags(req.Tags),
			"sim_favorites": req.SimFavorites,
		})
	}
}

// tagOptions builds the sorted known-tag set: the pool collected from all
// partitions plus the user's currently persisted selections.
func tagOptions(deps AppDeps, current storage.Filters) ([]string, error) {
	pool, err := deps.Papers.CollectTags()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(pool))
	options := append([]string{}, pool...)
	for _, t := range pool {
		seen[t] = true
	}
	for _, t := range append(current.Tags.Whitelist, current.Tags.Blacklist...) {
		if !seen[t] {
			seen[t] = true
			options = append(options, t)
		}
	}
	sort.Strings(options)
	return options, nil
}

// keepKnown filters selected down to members of known, preserving order.
func keepKnown(selected, known []string) []string {
	set := make(map[string]bool, len(known))
	for _, k := range known {
		set[k] = true
	}
	kept := []string{}
	for _, s := range selected {
		if set[s] {
			kept = append(kept, s)
		}
	}
	return kept
}

type historyRequest struct {
	PaperID  string `json:"paper_id"`
	Date     string `json:"date"`
	Position int    `json:"position"`
}

func handleSaveHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req historyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Date != "" {
			if _, err := time.Parse(time.DateOnly, req.Date); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid date %q: want YYYY-MM-DD", req.Date)
				return
			}
		}

		uid := userID(r, deps)
		if err := deps.Store.SaveReadingPosition(uid, req.Date, req.PaperID, req.Position); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save position: %v", err)
			return
		}
		err := deps.Store.ReplaceBrowsingHistory(storage.History{
			UserID:   uid,
			PaperID:  req.PaperID,
			Date:     req.Date,
			Position: req.Position,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save history: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "saved"})
	}
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func normalizedTags(t storage.TagFilters) storage.TagFilters {
	if t.Whitelist == nil {
		t.Whitelist = []string{}
	}
	if t.Blacklist == nil {
		t.Blacklist = []string{}
	}
	return t
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
