// Package favorites implements the favorite-folder service: folder CRUD,
// paper membership, and the derived mean-embedding "interest vector" kept
// consistent with membership.
package favorites

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/caopulan/arXivDaily/internal/papers"
	"github.com/caopulan/arXivDaily/internal/storage"
	"github.com/caopulan/arXivDaily/internal/vecmath"
)

// PaperFinder resolves a paper id to its record across all date partitions.
type PaperFinder interface {
	FindByID(id string) (papers.Paper, time.Time, bool)
}

// Service coordinates the relational store and the paper store for favorite
// folders.
type Service struct {
	store  *storage.Store
	papers PaperFinder
}

// NewService creates a Service over the given stores.
func NewService(store *storage.Store, finder PaperFinder) *Service {
	return &Service{store: store, papers: finder}
}

// Ensure returns the user's favorite with the given name, creating it if
// necessary, and adds it to the user's similarity-source selection so the
// folder starts feeding the ranking right away. Idempotent per (user, name).
func (s *Service) Ensure(userID, name string) (storage.Favorite, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return storage.Favorite{}, fmt.Errorf("favorite name must not be empty")
	}

	f, err := s.ensureFolder(userID, name)
	if err != nil {
		return storage.Favorite{}, err
	}
	if err := s.store.AppendSimFavorite(userID, f.ID); err != nil {
		return storage.Favorite{}, fmt.Errorf("updating similarity selection: %w", err)
	}
	return f, nil
}

func (s *Service) ensureFolder(userID, name string) (storage.Favorite, error) {
	existing, err := s.store.GetFavoriteByName(userID, name)
	if err == nil {
		return existing, nil
	}
	if err != storage.ErrNotFound {
		return storage.Favorite{}, err
	}

	f := storage.Favorite{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateFavorite(f); err != nil {
		if err == storage.ErrNameTaken {
			// Lost a race with another writer; the folder exists now.
			return s.store.GetFavoriteByName(userID, name)
		}
		return storage.Favorite{}, err
	}
	return f, nil
}

// Get returns a user's favorite by id.
func (s *Service) Get(userID, id string) (storage.Favorite, error) {
	return s.store.GetFavorite(userID, id)
}

// List returns all of a user's favorites ordered by name.
func (s *Service) List(userID string) ([]storage.Favorite, error) {
	return s.store.ListFavorites(userID)
}

// Rename renames a user's favorite.
func (s *Service) Rename(userID, id, newName string) error {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return fmt.Errorf("favorite name must not be empty")
	}
	return s.store.RenameFavorite(userID, id, newName)
}

// Delete removes a user's favorite and its membership rows.
func (s *Service) Delete(userID, id string) error {
	return s.store.DeleteFavorite(userID, id)
}

// MemberPaperIDs returns the paper ids saved in a user's favorite.
func (s *Service) MemberPaperIDs(userID, id string) ([]string, error) {
	if _, err := s.store.GetFavorite(userID, id); err != nil {
		return nil, err
	}
	return s.store.ListFavoritePaperIDs(id)
}

// MemberPapers resolves a favorite's member papers, newest publication
// first; members with no parseable pub_date sort last. Ids whose papers no
// longer exist in any partition are skipped.
func (s *Service) MemberPapers(userID, id string) ([]papers.Paper, error) {
	ids, err := s.MemberPaperIDs(userID, id)
	if err != nil {
		return nil, err
	}
	list := make([]papers.Paper, 0, len(ids))
	for _, pid := range ids {
		if p, _, ok := s.papers.FindByID(pid); ok {
			list = append(list, p)
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		return parsePubDate(list[i].PubDate).After(parsePubDate(list[j].PubDate))
	})
	return list, nil
}

// parsePubDate tolerates the two timestamp shapes seen in partitions.
func parsePubDate(raw string) time.Time {
	for _, layout := range []string{time.DateOnly, time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}

// AddPaper adds a paper to a user's favorite and recomputes the folder
// embedding when membership actually changed. Returns false when the paper
// was already a member.
func (s *Service) AddPaper(ctx context.Context, userID, favoriteID, paperID string) (bool, error) {
	if _, err := s.store.GetFavorite(userID, favoriteID); err != nil {
		return false, err
	}
	added, err := s.store.AddFavoritePaper(favoriteID, paperID)
	if err != nil {
		return false, err
	}
	if !added {
		return false, nil
	}
	if _, err := s.RecomputeEmbedding(ctx, favoriteID); err != nil {
		return true, fmt.Errorf("recomputing embedding: %w", err)
	}
	return true, nil
}

// RemovePaper removes a paper from a user's favorite and recomputes the
// folder embedding. Removing a non-member is a no-op.
func (s *Service) RemovePaper(ctx context.Context, userID, favoriteID, paperID string) error {
	if _, err := s.store.GetFavorite(userID, favoriteID); err != nil {
		return err
	}
	if err := s.store.RemoveFavoritePaper(favoriteID, paperID); err != nil {
		return err
	}
	if _, err := s.RecomputeEmbedding(ctx, favoriteID); err != nil {
		return fmt.Errorf("recomputing embedding: %w", err)
	}
	return nil
}

// RecomputeEmbedding regenerates a favorite's interest vector: the mean of
// its member papers' embeddings. Members that cannot be found or carry no
// embedding are skipped; when none qualify the stored embedding becomes NULL.
func (s *Service) RecomputeEmbedding(ctx context.Context, favoriteID string) ([]float32, error) {
	ids, err := s.store.ListFavoritePaperIDs(favoriteID)
	if err != nil {
		return nil, err
	}

	// Each lookup scans partition files newest-first; bound the concurrency
	// the same way batch embedding does.
	vectors := make([][]float32, len(ids))
	var mu sync.Mutex
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			p, _, ok := s.papers.FindByID(id)
			if !ok || len(p.Embedding) == 0 {
				return nil
			}
			mu.Lock()
			vectors[i] = p.Embedding
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	qualified := vectors[:0:0]
	for _, v := range vectors {
		if v != nil {
			qualified = append(qualified, v)
		}
	}

	mean := vecmath.Mean(qualified)
	if err := s.store.SetFavoriteEmbedding(favoriteID, mean); err != nil {
		return nil, err
	}
	return mean, nil
}

// Entry is one favorite in a similarity-annotated listing for a target paper.
// Similarity is nil when either the paper or the folder lacks an embedding.
type Entry struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	HasPaper   bool     `json:"has_paper"`
	Similarity *float64 `json:"similarity"`
	IsTop      bool     `json:"is_top"`
}

// WithSimilarity lists a user's favorites annotated with membership of the
// given paper and cosine similarity between the paper and each folder's
// interest vector. Entries are ordered by similarity descending (unscored
// entries after all scored ones) then case-insensitive name; every entry tied
// for the maximum similarity is marked IsTop.
func (s *Service) WithSimilarity(userID, paperID string) ([]Entry, error) {
	favs, err := s.store.ListFavorites(userID)
	if err != nil {
		return nil, err
	}

	var paperEmbedding []float32
	membership := map[string]bool{}
	if paperID != "" {
		if p, _, ok := s.papers.FindByID(paperID); ok {
			paperEmbedding = p.Embedding
		}
		ids, err := s.store.FavoriteIDsForPaper(userID, paperID)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			membership[id] = true
		}
	}

	entries := make([]Entry, 0, len(favs))
	for _, f := range favs {
		e := Entry{ID: f.ID, Name: f.Name, HasPaper: membership[f.ID]}
		if len(paperEmbedding) > 0 && len(f.Embedding) > 0 {
			sim := vecmath.Cosine(paperEmbedding, f.Embedding)
			e.Similarity = &sim
		}
		entries = append(entries, e)
	}

	maxSim, scored := 0.0, false
	for _, e := range entries {
		if e.Similarity != nil && (!scored || *e.Similarity > maxSim) {
			maxSim, scored = *e.Similarity, true
		}
	}
	if scored {
		for i := range entries {
			if entries[i].Similarity != nil && *entries[i].Similarity == maxSim {
				entries[i].IsTop = true
			}
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		si, sj := -1.0, -1.0
		if entries[i].Similarity != nil {
			si = *entries[i].Similarity
		}
		if entries[j].Similarity != nil {
			sj = *entries[j].Similarity
		}
		if si != sj {
			return si > sj
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})

	return entries, nil
}
