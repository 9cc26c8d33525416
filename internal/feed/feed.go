// Package feed assembles the daily paper view: it loads one date partition,
// scores papers against the user's selected interest vectors, filters by
// category, classifies by tag whitelist/blacklist, and returns ordered
// groups. The pipeline itself is stateless; all memory lives in the persisted
// per-user filter record and browsing history.
package feed

import (
	"fmt"
	"sort"
	"time"

	"github.com/caopulan/arXivDaily/internal/papers"
	"github.com/caopulan/arXivDaily/internal/storage"
	"github.com/caopulan/arXivDaily/internal/vecmath"
)

// Group keys, in display order. Blacklist matches are classified with top
// priority but displayed last.
const (
	GroupWhite   = "white"
	GroupNeutral = "neutral"
	GroupBlack   = "black"
)

// PaperSource is the slice of the paper store the pipeline reads.
type PaperSource interface {
	LoadDate(date time.Time) []papers.Paper
	LatestDate() (time.Time, bool, error)
}

// FilterStore persists per-user filter selections.
type FilterStore interface {
	GetUserFilters(userID string) (storage.Filters, bool, error)
	SaveUserFilters(userID string, categories []string, tags storage.TagFilters, simFavorites []string) error
	LatestBrowsingHistory(userID string) (storage.History, error)
}

// FavoriteSource supplies the user's folders and saved paper ids.
type FavoriteSource interface {
	ListFavorites(userID string) ([]storage.Favorite, error)
	AllFavoritePaperIDs(userID string) ([]string, error)
}

// Request carries the caller-supplied view parameters. Empty Categories or
// SimFavorites means "not provided this request": the persisted selection
// applies. Zero Date resolves to the user's last-viewed date, then the latest
// partition.
type Request struct {
	UserID       string
	Date         time.Time
	Categories   []string
	SimFavorites []string
}

// ScoredPaper is a paper annotated for display. Similarity is nil when the
// paper has no embedding or no interest vectors were in play.
type ScoredPaper struct {
	papers.Paper
	Similarity *float64 `json:"similarity"`
	Group      string   `json:"filter_group"`
	Saved      bool     `json:"saved"`
}

// Group is one ordered display section of the feed.
type Group struct {
	Key      string        `json:"key"`
	Title    string        `json:"title"`
	Subtitle string        `json:"subtitle"`
	Papers   []ScoredPaper `json:"papers"`
}

// Result is the assembled feed view plus the resolved selection state the
// presentation layer echoes back into its controls.
type Result struct {
	Date         time.Time          `json:"-"`
	DateString   string             `json:"date"`
	Groups       []Group            `json:"groups"`
	Categories   []string           `json:"categories"`
	Tags         storage.TagFilters `json:"tags"`
	SimFavorites []string           `json:"sim_favorites"`
}

// Assembler runs the feed pipeline over its collaborators.
type Assembler struct {
	papers          PaperSource
	filters         FilterStore
	favorites       FavoriteSource
	categoryOptions []string
}

// NewAssembler creates an Assembler. categoryOptions is the known category
// set; requested categories outside it are silently dropped.
func NewAssembler(p PaperSource, f FilterStore, favs FavoriteSource, categoryOptions []string) *Assembler {
	return &Assembler{papers: p, filters: f, favorites: favs, categoryOptions: categoryOptions}
}

// CategoryOptions returns the known category set selections are validated
// against.
func (a *Assembler) CategoryOptions() []string {
	return append([]string(nil), a.categoryOptions...)
}

// Assemble produces the feed for one user and date and persists the resolved
// category/tag/similarity-source selection so the next parameterless visit
// reproduces the same view. The reading checkpoint is never touched here.
func (a *Assembler) Assemble(req Request) (Result, error) {
	saved, hasRecord, err := a.filters.GetUserFilters(req.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("loading filters: %w", err)
	}

	date, err := a.resolveDate(req, saved)
	if err != nil {
		return Result{}, err
	}

	favs, err := a.favorites.ListFavorites(req.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("listing favorites: %w", err)
	}

	categories := a.resolveCategories(req.Categories, saved.Categories)
	simFavorites, interestVectors := resolveSimilaritySources(req.SimFavorites, saved.SimFavorites, hasRecord, favs)

	if err := a.filters.SaveUserFilters(req.UserID, categories, saved.Tags, simFavorites); err != nil {
		return Result{}, fmt.Errorf("saving filters: %w", err)
	}

	savedPapers, err := a.favorites.AllFavoritePaperIDs(req.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("listing saved papers: %w", err)
	}
	savedSet := make(map[string]bool, len(savedPapers))
	for _, id := range savedPapers {
		savedSet[id] = true
	}

	scored := scorePapers(a.papers.LoadDate(date), interestVectors, savedSet)

	if len(interestVectors) > 0 {
		sortBySimilarity(scored)
	}

	scored = filterByCategory(scored, categories)

	groups := groupByTags(scored, saved.Tags)

	return Result{
		Date:         date,
		DateString:   date.Format(time.DateOnly),
		Groups:       groups,
		Categories:   categories,
		Tags:         normalizedTags(saved.Tags),
		SimFavorites: simFavorites,
	}, nil
}

// resolveDate picks the target date: an explicit request wins, then the
// persisted last-viewed date, then the latest browsing-history date, then the
// newest partition. Falls back to today when the store is empty.
func (a *Assembler) resolveDate(req Request, saved storage.Filters) (time.Time, error) {
	if !req.Date.IsZero() {
		return req.Date, nil
	}
	if saved.LastDate != "" {
		if d, err := time.Parse(time.DateOnly, saved.LastDate); err == nil {
			return d, nil
		}
	}
	if h, err := a.filters.LatestBrowsingHistory(req.UserID); err == nil && h.Date != "" {
		if d, err := time.Parse(time.DateOnly, h.Date); err == nil {
			return d, nil
		}
	}
	latest, ok, err := a.papers.LatestDate()
	if err != nil {
		return time.Time{}, fmt.Errorf("resolving latest date: %w", err)
	}
	if ok {
		return latest, nil
	}
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
}

// resolveCategories keeps only known category options, falling back to the
// persisted selection when the request carries none.
func (a *Assembler) resolveCategories(requested, persisted []string) []string {
	selected := requested
	if len(selected) == 0 {
		selected = persisted
	}
	known := make(map[string]bool, len(a.categoryOptions))
	for _, c := range a.categoryOptions {
		known[c] = true
	}
	valid := []string{}
	for _, c := range selected {
		if known[c] {
			valid = append(valid, c)
		}
	}
	return valid
}

// resolveSimilaritySources decides which favorites feed the similarity
// computation and gathers their interest vectors. Explicit request selection
// wins over the persisted one; when neither yields anything, the default is
// every favorite — but only for users without any persisted filter record. A
// record that resolves to an empty selection is an explicit "none" and
// disables similarity.
func resolveSimilaritySources(requested, persisted []string, hasRecord bool, favs []storage.Favorite) ([]string, [][]float32) {
	byID := make(map[string]storage.Favorite, len(favs))
	for _, f := range favs {
		byID[f.ID] = f
	}

	selected := requested
	if len(selected) == 0 {
		selected = persisted
	}
	valid := []string{}
	for _, id := range selected {
		if _, ok := byID[id]; ok {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 && !hasRecord {
		for _, f := range favs {
			valid = append(valid, f.ID)
		}
	}

	// One interest vector per qualifying favorite: folders are scored
	// independently, not collapsed into a combined mean.
	var vectors [][]float32
	for _, id := range valid {
		if emb := byID[id].Embedding; len(emb) > 0 {
			vectors = append(vectors, emb)
		}
	}
	return valid, vectors
}

// scorePapers annotates each paper with its best similarity across the
// interest vectors (maximum over folders) and whether it is already saved.
func scorePapers(list []papers.Paper, interestVectors [][]float32, savedSet map[string]bool) []ScoredPaper {
	scored := make([]ScoredPaper, 0, len(list))
	for _, p := range list {
		sp := ScoredPaper{Paper: p, Saved: savedSet[p.ID]}
		if len(p.Embedding) > 0 && len(interestVectors) > 0 {
			best := vecmath.Cosine(p.Embedding, interestVectors[0])
			for _, vec := range interestVectors[1:] {
				if sim := vecmath.Cosine(p.Embedding, vec); sim > best {
					best = sim
				}
			}
			sp.Similarity = &best
		}
		scored = append(scored, sp)
	}
	return scored
}

func similarityOrZero(p ScoredPaper) float64 {
	if p.Similarity == nil {
		return 0
	}
	return *p.Similarity
}

func sortBySimilarity(list []ScoredPaper) {
	sort.SliceStable(list, func(i, j int) bool {
		return similarityOrZero(list[i]) > similarityOrZero(list[j])
	})
}

// filterByCategory keeps papers whose category field intersects the
// selection. An empty selection disables filtering.
func filterByCategory(list []ScoredPaper, selected []string) []ScoredPaper {
	if len(selected) == 0 {
		return list
	}
	want := make(map[string]bool, len(selected))
	for _, c := range selected {
		want[c] = true
	}
	kept := list[:0:0]
	for _, p := range list {
		for _, c := range papers.SplitCategories(p.Category) {
			if want[c] {
				kept = append(kept, p)
				break
			}
		}
	}
	return kept
}

// classify labels a paper by its tags: blacklist membership wins over
// whitelist membership; everything else is neutral.
func classify(tags []string, filters storage.TagFilters) string {
	black := make(map[string]bool, len(filters.Blacklist))
	for _, t := range filters.Blacklist {
		black[t] = true
	}
	white := make(map[string]bool, len(filters.Whitelist))
	for _, t := range filters.Whitelist {
		white[t] = true
	}
	for _, t := range tags {
		if black[t] {
			return GroupBlack
		}
	}
	for _, t := range tags {
		if white[t] {
			return GroupWhite
		}
	}
	return GroupNeutral
}

// groupByTags partitions papers into the three tag groups, sorts each by
// similarity descending, and returns them in display order: whitelist first,
// blacklist last.
func groupByTags(list []ScoredPaper, filters storage.TagFilters) []Group {
	buckets := map[string][]ScoredPaper{}
	for _, p := range list {
		p.Group = classify(p.Tags, filters)
		buckets[p.Group] = append(buckets[p.Group], p)
	}
	for key := range buckets {
		sortBySimilarity(buckets[key])
	}

	meta := []struct {
		key, title, subtitle string
	}{
		{GroupWhite, "Whitelist picks", "Matches a whitelisted tag and no blacklisted one"},
		{GroupNeutral, "Everything else", "Matches neither list"},
		{GroupBlack, "Blacklist matches", "Matches a blacklisted tag; collapsed by default"},
	}
	groups := make([]Group, 0, len(meta))
	for _, m := range meta {
		ps := buckets[m.key]
		if ps == nil {
			ps = []ScoredPaper{}
		}
		groups = append(groups, Group{Key: m.key, Title: m.title, Subtitle: m.subtitle, Papers: ps})
	}
	return groups
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
