package feed

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/caopulan/arXivDaily/internal/favorites"
	"github.com/caopulan/arXivDaily/internal/papers"
	"github.com/caopulan/arXivDaily/internal/storage"
)

var defaultOptions = []string{"cs.AI", "cs.CL", "cs.CV", "cs.LG"}

type fixture struct {
	papers    *papers.Store
	store     *storage.Store
	assembler *Assembler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ps, err := papers.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:): %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &fixture{
		papers:    ps,
		store:     db,
		assembler: NewAssembler(ps, db, db, defaultOptions),
	}
}

func (f *fixture) seedPapers(t *testing.T, dateStr string, list []papers.Paper) time.Time {
	t.Helper()
	d, err := time.Parse(time.DateOnly, dateStr)
	if err != nil {
		t.Fatalf("parsing date: %v", err)
	}
	if _, err := f.papers.MergePapers(d, list); err != nil {
		t.Fatalf("MergePapers: %v", err)
	}
	return d
}

func (f *fixture) seedFavorite(t *testing.T, userID, id, name string, embedding []float32) {
	t.Helper()
	if err := f.store.CreateFavorite(storage.Favorite{ID: id, UserID: userID, Name: name}); err != nil {
		t.Fatalf("CreateFavorite(%s): %v", id, err)
	}
	if embedding != nil {
		if err := f.store.SetFavoriteEmbedding(id, embedding); err != nil {
			t.Fatalf("SetFavoriteEmbedding(%s): %v", id, err)
		}
	}
}

func flatIDs(groups []Group) []string {
	var ids []string
	for _, g := range groups {
		for _, p := range g.Papers {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

func groupByKey(t *testing.T, groups []Group, key string) Group {
	t.Helper()
	for _, g := range groups {
		if g.Key == key {
			return g
		}
	}
	t.Fatalf("group %q missing", key)
	return Group{}
}

// The spec scenario: a whitelisted paper identical to the interest vector
// comes first with similarity 1.0; the orthogonal paper lands in neutral
// with similarity 0.0.
func TestAssemble_WhitelistAndSimilarity(t *testing.T) {
	f := newFixture(t)
	d := f.seedPapers(t, "2024-01-01", []papers.Paper{
		{ID: "p1", Tags: []string{"AI"}, Embedding: []float32{1, 0}},
		{ID: "p2", Tags: []string{"NLP"}, Embedding: []float32{0, 1}},
	})
	f.seedFavorite(t, "u1", "f1", "Reading", []float32{1, 0})
	tags := storage.TagFilters{Whitelist: []string{"AI"}}
	if err := f.store.SaveUserFilters("u1", nil, tags, []string{"f1"}); err != nil {
		t.Fatalf("SaveUserFilters: %v", err)
	}

	res, err := f.assembler.Assemble(Request{UserID: "u1", Date: d})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	if got := flatIDs(res.Groups); !reflect.DeepEqual(got, []string{"p1", "p2"}) {
		t.Errorf("order = %v, want [p1 p2]", got)
	}

	white := groupByKey(t, res.Groups, GroupWhite)
	if len(white.Papers) != 1 || white.Papers[0].ID != "p1" {
		t.Fatalf("white group = %v", flatIDs([]Group{white}))
	}
	if white.Papers[0].Similarity == nil || *white.Papers[0].Similarity != 1.0 {
		t.Errorf("p1 similarity = %v, want 1.0", white.Papers[0].Similarity)
	}

	neutral := groupByKey(t, res.Groups, GroupNeutral)
	if len(neutral.Papers) != 1 || neutral.Papers[0].ID != "p2" {
		t.Fatalf("neutral group = %v", flatIDs([]Group{neutral}))
	}
	if neutral.Papers[0].Similarity == nil || *neutral.Papers[0].Similarity != 0.0 {
		t.Errorf("p2 similarity = %v, want 0.0", neutral.Papers[0].Similarity)
	}
}

// An explicit empty similarity-source selection on an existing record means
// similarity stays off even though favorites with embeddings exist.
func TestAssemble_ExplicitEmptySimSelection(t *testing.T) {
	f := newFixture(t)
	d := f.seedPapers(t, "2024-01-01", []papers.Paper{
		{ID: "p1", Embedding: []float32{1, 0}},
	})
	f.seedFavorite(t, "u1", "f1", "Reading", []float32{1, 0})
	if err := f.store.SaveUserFilters("u1", nil, storage.TagFilters{}, []string{}); err != nil {
		t.Fatalf("SaveUserFilters: %v", err)
	}

	res, err := f.assembler.Assemble(Request{UserID: "u1", Date: d})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	for _, g := range res.Groups {
		for _, p := range g.Papers {
			if p.Similarity != nil {
				t.Errorf("paper %s scored (%v) despite explicit empty selection", p.ID, *p.Similarity)
			}
		}
	}
	if len(res.SimFavorites) != 0 {
		t.Errorf("sim favorites = %v, want empty", res.SimFavorites)
	}
}

// A folder created after the filter record exists joins the similarity
// selection immediately: saving a paper into it is enough to get the next
// feed view scored against it, without an explicit settings save.
func TestAssemble_NewFolderJoinsSimilaritySelection(t *testing.T) {
	f := newFixture(t)
	d := f.seedPapers(t, "2024-01-01", []papers.Paper{
		{ID: "p1", Embedding: []float32{1, 0}},
	})
	if err := f.store.SaveUserFilters("u1", nil, storage.TagFilters{}, nil); err != nil {
		t.Fatalf("SaveUserFilters: %v", err)
	}

	svc := favorites.NewService(f.store, f.papers)
	fav, err := svc.Ensure("u1", "Reading")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if _, err := svc.AddPaper(context.Background(), "u1", fav.ID, "p1"); err != nil {
		t.Fatalf("AddPaper: %v", err)
	}

	res, err := f.assembler.Assemble(Request{UserID: "u1", Date: d})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	if !reflect.DeepEqual(res.SimFavorites, []string{fav.ID}) {
		t.Fatalf("sim favorites = %v, want [%s]", res.SimFavorites, fav.ID)
	}
	neutral := groupByKey(t, res.Groups, GroupNeutral)
	if len(neutral.Papers) != 1 || neutral.Papers[0].Similarity == nil || *neutral.Papers[0].Similarity != 1.0 {
		t.Errorf("p1 not scored against the new folder: %+v", neutral.Papers)
	}
}

// A user with no persisted record at all defaults to every favorite.
func TestAssemble_DefaultAllFavoritesWhenNeverConfigured(t *testing.T) {
	f := newFixture(t)
	d := f.seedPapers(t, "2024-01-01", []papers.Paper{
		{ID: "p1", Embedding: []float32{1, 0}},
	})
	f.seedFavorite(t, "u1", "f1", "Reading", []float32{1, 0})

	res, err := f.assembler.Assemble(Request{UserID: "u1", Date: d})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	if !reflect.DeepEqual(res.SimFavorites, []string{"f1"}) {
		t.Errorf("sim favorites = %v, want [f1]", res.SimFavorites)
	}
	neutral := groupByKey(t, res.Groups, GroupNeutral)
	if len(neutral.Papers) != 1 || neutral.Papers[0].Similarity == nil || *neutral.Papers[0].Similarity != 1.0 {
		t.Errorf("p1 not scored against defaulted favorites: %+v", neutral.Papers)
	}
}

// Blacklist wins classification even when the whitelist also matches, and the
// blacklist group displays last.
func TestAssemble_BlacklistPriorityAndOrdering(t *testing.T) {
	f := newFixture(t)
	d := f.seedPapers(t, "2024-01-01", []papers.Paper{
		{ID: "both", Tags: []string{"AI", "survey"}},
		{ID: "white", Tags: []string{"AI"}},
		{ID: "plain", Tags: []string{"robotics"}},
	})
	tags := storage.TagFilters{Whitelist: []string{"AI"}, Blacklist: []string{"survey"}}
	if err := f.store.SaveUserFilters("u1", nil, tags, nil); err != nil {
		t.Fatalf("SaveUserFilters: %v", err)
	}

	res, err := f.assembler.Assemble(Request{UserID: "u1", Date: d})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	if got := flatIDs(res.Groups); !reflect.DeepEqual(got, []string{"white", "plain", "both"}) {
		t.Errorf("order = %v, want [white plain both]", got)
	}
	black := groupByKey(t, res.Groups, GroupBlack)
	if len(black.Papers) != 1 || black.Papers[0].ID != "both" {
		t.Errorf("black group = %v, want [both]", flatIDs([]Group{black}))
	}
	if black.Papers[0].Group != GroupBlack {
		t.Errorf("classification = %q, want black", black.Papers[0].Group)
	}
}

// Within each group similarity is non-increasing.
func TestAssemble_GroupsSortedBySimilarity(t *testing.T) {
	f := newFixture(t)
	d := f.seedPapers(t, "2024-01-01", []papers.Paper{
		{ID: "far", Embedding: []float32{0, 1}},
		{ID: "near", Embedding: []float32{1, 0.1}},
		{ID: "unscored"},
	})
	f.seedFavorite(t, "u1", "f1", "Reading", []float32{1, 0})

	res, err := f.assembler.Assemble(Request{UserID: "u1", Date: d})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	neutral := groupByKey(t, res.Groups, GroupNeutral)
	last := 2.0
	for _, p := range neutral.Papers {
		sim := 0.0
		if p.Similarity != nil {
			sim = *p.Similarity
		}
		if sim > last {
			t.Errorf("similarity increased within group at %s: %v after %v", p.ID, sim, last)
		}
		last = sim
	}
	if neutral.Papers[0].ID != "near" {
		t.Errorf("first paper = %s, want near", neutral.Papers[0].ID)
	}
}

// The per-paper similarity is the maximum over the selected folders, each
// folder scored independently.
func TestAssemble_MaxAcrossInterestVectors(t *testing.T) {
	f := newFixture(t)
	d := f.seedPapers(t, "2024-01-01", []papers.Paper{
		{ID: "p1", Embedding: []float32{0, 1}},
	})
	f.seedFavorite(t, "u1", "f1", "Away", []float32{1, 0})
	f.seedFavorite(t, "u1", "f2", "Close", []float32{0, 1})

	res, err := f.assembler.Assemble(Request{UserID: "u1", Date: d})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	neutral := groupByKey(t, res.Groups, GroupNeutral)
	if neutral.Papers[0].Similarity == nil || *neutral.Papers[0].Similarity != 1.0 {
		t.Errorf("similarity = %v, want max across folders (1.0)", neutral.Papers[0].Similarity)
	}
}

func TestAssemble_CategoryFilter(t *testing.T) {
	f := newFixture(t)
	d := f.seedPapers(t, "2024-01-01", []papers.Paper{
		{ID: "multi", Category: "cs.CV, cs.LG"},
		{ID: "other", Category: "cs.CL"},
		{ID: "none"},
	})

	res, err := f.assembler.Assemble(Request{
		UserID: "u1",
		Date:   d,
		// "eess.IV" is not a known option and must be dropped.
		Categories: []string{"cs.LG", "eess.IV"},
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	if got := flatIDs(res.Groups); !reflect.DeepEqual(got, []string{"multi"}) {
		t.Errorf("filtered feed = %v, want [multi]", got)
	}
	if !reflect.DeepEqual(res.Categories, []string{"cs.LG"}) {
		t.Errorf("resolved categories = %v, want [cs.LG]", res.Categories)
	}
}

// Every feed view persists the resolved selection but never the reading
// checkpoint.
func TestAssemble_PersistsSelectionWithoutClobberingCheckpoint(t *testing.T) {
	f := newFixture(t)
	d := f.seedPapers(t, "2024-01-01", []papers.Paper{{ID: "p1"}})
	if err := f.store.SaveReadingPosition("u1", "2024-01-01", "p1", 17); err != nil {
		t.Fatalf("SaveReadingPosition: %v", err)
	}

	if _, err := f.assembler.Assemble(Request{UserID: "u1", Date: d, Categories: []string{"cs.AI"}}); err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	saved, exists, err := f.store.GetUserFilters("u1")
	if err != nil {
		t.Fatalf("GetUserFilters: %v", err)
	}
	if !exists {
		t.Fatal("filter record not persisted by feed view")
	}
	if !reflect.DeepEqual(saved.Categories, []string{"cs.AI"}) {
		t.Errorf("persisted categories = %v, want [cs.AI]", saved.Categories)
	}
	if saved.LastPaperID != "p1" || saved.LastPosition != 17 {
		t.Errorf("reading checkpoint clobbered: %+v", saved)
	}

	// The next parameterless request reproduces the same category view.
	res, err := f.assembler.Assemble(Request{UserID: "u1", Date: d})
	if err != nil {
		t.Fatalf("second Assemble: %v", err)
	}
	if !reflect.DeepEqual(res.Categories, []string{"cs.AI"}) {
		t.Errorf("carried-over categories = %v, want [cs.AI]", res.Categories)
	}
}

func TestResolveDate_FallbackChain(t *testing.T) {
	f := newFixture(t)
	f.seedPapers(t, "2024-03-01", []papers.Paper{{ID: "latest"}})
	f.seedPapers(t, "2024-01-01", []papers.Paper{{ID: "old"}})

	// No saved date, no history: newest partition wins.
	res, err := f.assembler.Assemble(Request{UserID: "u1"})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if res.DateString != "2024-03-01" {
		t.Errorf("resolved date = %s, want 2024-03-01", res.DateString)
	}

	// A browsing-history date beats the newest partition.
	if err := f.store.ReplaceBrowsingHistory(storage.History{UserID: "u2", PaperID: "old", Date: "2024-01-01"}); err != nil {
		t.Fatalf("ReplaceBrowsingHistory: %v", err)
	}
	res, err = f.assembler.Assemble(Request{UserID: "u2"})
	if err != nil {
		t.Fatalf("Assemble(u2): %v", err)
	}
	if res.DateString != "2024-01-01" {
		t.Errorf("history-resolved date = %s, want 2024-01-01", res.DateString)
	}

	// A persisted last-viewed date beats history.
	if err := f.store.SaveReadingPosition("u3", "2024-03-01", "latest", 0); err != nil {
		t.Fatalf("SaveReadingPosition: %v", err)
	}
	res, err = f.assembler.Assemble(Request{UserID: "u3"})
	if err != nil {
		t.Fatalf("Assemble(u3): %v", err)
	}
	if res.DateString != "2024-03-01" {
		t.Errorf("checkpoint-resolved date = %s, want 2024-03-01", res.DateString)
	}
}

// Saved flags mark papers already present in any of the user's folders.
func TestAssemble_SavedFlag(t *testing.T) {
	f := newFixture(t)
	d := f.seedPapers(t, "2024-01-01", []papers.Paper{{ID: "p1"}, {ID: "p2"}})
	f.seedFavorite(t, "u1", "f1", "Reading", nil)
	if _, err := f.store.AddFavoritePaper("f1", "p1"); err != nil {
		t.Fatalf("AddFavoritePaper: %v", err)
	}

	res, err := f.assembler.Assemble(Request{UserID: "u1", Date: d})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	neutral := groupByKey(t, res.Groups, GroupNeutral)
	for _, p := range neutral.Papers {
		if p.ID == "p1" && !p.Saved {
			t.Error("p1 should be marked saved")
		}
		if p.ID == "p2" && p.Saved {
			t.Error("p2 should not be marked saved")
		}
	}
}
