package storage

import (
	"errors"
	"reflect"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestCreateFavorite_NameTaken(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateFavorite(Favorite{ID: "f1", UserID: "u1", Name: "Reading"}); err != nil {
		t.Fatalf("CreateFavorite: %v", err)
	}
	err := s.CreateFavorite(Favorite{ID: "f2", UserID: "u1", Name: "Reading"})
	if !errors.Is(err, ErrNameTaken) {
		t.Errorf("duplicate name error = %v, want ErrNameTaken", err)
	}

	// Same name for another user is fine.
	if err := s.CreateFavorite(Favorite{ID: "f3", UserID: "u2", Name: "Reading"}); err != nil {
		t.Errorf("CreateFavorite for other user: %v", err)
	}
}

func TestGetFavorite_ScopedToUser(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateFavorite(Favorite{ID: "f1", UserID: "u1", Name: "Reading"}); err != nil {
		t.Fatalf("CreateFavorite: %v", err)
	}

	if _, err := s.GetFavorite("u1", "f1"); err != nil {
		t.Errorf("GetFavorite(owner) = %v, want nil", err)
	}
	if _, err := s.GetFavorite("u2", "f1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetFavorite(other user) = %v, want ErrNotFound", err)
	}
}

func TestFavoriteEmbeddingRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateFavorite(Favorite{ID: "f1", UserID: "u1", Name: "Reading"}); err != nil {
		t.Fatalf("CreateFavorite: %v", err)
	}

	if err := s.SetFavoriteEmbedding("f1", []float32{0.5, 1.5}); err != nil {
		t.Fatalf("SetFavoriteEmbedding: %v", err)
	}
	f, err := s.GetFavorite("u1", "f1")
	if err != nil {
		t.Fatalf("GetFavorite: %v", err)
	}
	if !reflect.DeepEqual(f.Embedding, []float32{0.5, 1.5}) {
		t.Errorf("embedding = %v, want [0.5 1.5]", f.Embedding)
	}

	// Clearing stores NULL and reads back as nil.
	if err := s.SetFavoriteEmbedding("f1", nil); err != nil {
		t.Fatalf("SetFavoriteEmbedding(nil): %v", err)
	}
	f, err = s.GetFavorite("u1", "f1")
	if err != nil {
		t.Fatalf("GetFavorite: %v", err)
	}
	if f.Embedding != nil {
		t.Errorf("cleared embedding = %v, want nil", f.Embedding)
	}
}

func TestRenameFavorite(t *testing.T) {
	s := openTestStore(t)

	for id, name := range map[string]string{"f1": "Reading", "f2": "Archive"} {
		if err := s.CreateFavorite(Favorite{ID: id, UserID: "u1", Name: name}); err != nil {
			t.Fatalf("CreateFavorite(%s): %v", id, err)
		}
	}

	if err := s.RenameFavorite("u1", "f1", "Archive"); !errors.Is(err, ErrNameTaken) {
		t.Errorf("rename onto existing name = %v, want ErrNameTaken", err)
	}
	if err := s.RenameFavorite("u1", "missing", "X"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rename missing = %v, want ErrNotFound", err)
	}
	if err := s.RenameFavorite("u2", "f1", "Stolen"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rename by other user = %v, want ErrNotFound", err)
	}
	if err := s.RenameFavorite("u1", "f1", "Queue"); err != nil {
		t.Fatalf("RenameFavorite: %v", err)
	}
	f, err := s.GetFavorite("u1", "f1")
	if err != nil {
		t.Fatalf("GetFavorite: %v", err)
	}
	if f.Name != "Queue" {
		t.Errorf("name = %q, want Queue", f.Name)
	}
}

func TestAddFavoritePaper_Idempotent(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateFavorite(Favorite{ID: "f1", UserID: "u1", Name: "Reading"}); err != nil {
		t.Fatalf("CreateFavorite: %v", err)
	}

	added, err := s.AddFavoritePaper("f1", "p1")
	if err != nil {
		t.Fatalf("AddFavoritePaper: %v", err)
	}
	if !added {
		t.Error("first add reported not added")
	}

	added, err = s.AddFavoritePaper("f1", "p1")
	if err != nil {
		t.Fatalf("second AddFavoritePaper: %v", err)
	}
	if added {
		t.Error("second add reported added")
	}

	ids, err := s.ListFavoritePaperIDs("f1")
	if err != nil {
		t.Fatalf("ListFavoritePaperIDs: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"p1"}) {
		t.Errorf("members = %v, want [p1]", ids)
	}
}

func TestDeleteFavorite_CascadesMembership(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateFavorite(Favorite{ID: "f1", UserID: "u1", Name: "Reading"}); err != nil {
		t.Fatalf("CreateFavorite: %v", err)
	}
	if _, err := s.AddFavoritePaper("f1", "p1"); err != nil {
		t.Fatalf("AddFavoritePaper: %v", err)
	}

	if err := s.DeleteFavorite("u2", "f1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("delete by other user = %v, want ErrNotFound", err)
	}
	if err := s.DeleteFavorite("u1", "f1"); err != nil {
		t.Fatalf("DeleteFavorite: %v", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM favorite_papers WHERE favorite_id = 'f1'`).Scan(&count); err != nil {
		t.Fatalf("counting membership rows: %v", err)
	}
	if count != 0 {
		t.Errorf("membership rows after delete = %d, want 0", count)
	}
}

func TestFavoriteIDsForPaper(t *testing.T) {
	s := openTestStore(t)

	for id, name := range map[string]string{"f1": "A", "f2": "B"} {
		if err := s.CreateFavorite(Favorite{ID: id, UserID: "u1", Name: name}); err != nil {
			t.Fatalf("CreateFavorite(%s): %v", id, err)
		}
	}
	if err := s.CreateFavorite(Favorite{ID: "f3", UserID: "u2", Name: "C"}); err != nil {
		t.Fatalf("CreateFavorite(f3): %v", err)
	}
	for _, fav := range []string{"f1", "f3"} {
		if _, err := s.AddFavoritePaper(fav, "p1"); err != nil {
			t.Fatalf("AddFavoritePaper(%s): %v", fav, err)
		}
	}

	ids, err := s.FavoriteIDsForPaper("u1", "p1")
	if err != nil {
		t.Fatalf("FavoriteIDsForPaper: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"f1"}) {
		t.Errorf("favorites containing p1 for u1 = %v, want [f1]", ids)
	}
}

func TestGetUserFilters_NoRecord(t *testing.T) {
	s := openTestStore(t)

	_, exists, err := s.GetUserFilters("u1")
	if err != nil {
		t.Fatalf("GetUserFilters: %v", err)
	}
	if exists {
		t.Error("GetUserFilters reported a record for a fresh user")
	}
}

func TestSaveUserFilters_PreservesReadingPosition(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveReadingPosition("u1", "2024-01-01", "p9", 42); err != nil {
		t.Fatalf("SaveReadingPosition: %v", err)
	}
	tags := TagFilters{Whitelist: []string{"AI"}, Blacklist: []string{"survey"}}
	if err := s.SaveUserFilters("u1", []string{"cs.AI"}, tags, []string{"f1"}); err != nil {
		t.Fatalf("SaveUserFilters: %v", err)
	}

	f, exists, err := s.GetUserFilters("u1")
	if err != nil {
		t.Fatalf("GetUserFilters: %v", err)
	}
	if !exists {
		t.Fatal("filter record missing after save")
	}
	if !reflect.DeepEqual(f.Categories, []string{"cs.AI"}) {
		t.Errorf("categories = %v, want [cs.AI]", f.Categories)
	}
	if !reflect.DeepEqual(f.Tags, tags) {
		t.Errorf("tags = %+v, want %+v", f.Tags, tags)
	}
	if !reflect.DeepEqual(f.SimFavorites, []string{"f1"}) {
		t.Errorf("sim favorites = %v, want [f1]", f.SimFavorites)
	}
	if f.LastDate != "2024-01-01" || f.LastPaperID != "p9" || f.LastPosition != 42 {
		t.Errorf("reading checkpoint clobbered by filter save: %+v", f)
	}
}

func TestSaveReadingPosition_PreservesFilters(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveUserFilters("u1", []string{"cs.CV"}, TagFilters{}, nil); err != nil {
		t.Fatalf("SaveUserFilters: %v", err)
	}
	if err := s.SaveReadingPosition("u1", "2024-02-02", "p1", 7); err != nil {
		t.Fatalf("SaveReadingPosition: %v", err)
	}

	f, _, err := s.GetUserFilters("u1")
	if err != nil {
		t.Fatalf("GetUserFilters: %v", err)
	}
	if !reflect.DeepEqual(f.Categories, []string{"cs.CV"}) {
		t.Errorf("categories lost on reading-position save: %v", f.Categories)
	}
	if f.LastDate != "2024-02-02" || f.LastPosition != 7 {
		t.Errorf("reading checkpoint not updated: %+v", f)
	}
}

func TestSaveUserFilters_EmptySelectionPersists(t *testing.T) {
	s := openTestStore(t)

	// An explicit empty similarity-source selection is a real record, distinct
	// from "never configured".
	if err := s.SaveUserFilters("u1", nil, TagFilters{}, []string{}); err != nil {
		t.Fatalf("SaveUserFilters: %v", err)
	}
	f, exists, err := s.GetUserFilters("u1")
	if err != nil {
		t.Fatalf("GetUserFilters: %v", err)
	}
	if !exists {
		t.Fatal("record should exist after explicit empty save")
	}
	if len(f.SimFavorites) != 0 {
		t.Errorf("sim favorites = %v, want empty", f.SimFavorites)
	}
}

func TestAppendSimFavorite(t *testing.T) {
	s := openTestStore(t)

	// No record yet: appending creates one holding just the folder.
	if err := s.AppendSimFavorite("u1", "f1"); err != nil {
		t.Fatalf("AppendSimFavorite: %v", err)
	}
	f, exists, err := s.GetUserFilters("u1")
	if err != nil {
		t.Fatalf("GetUserFilters: %v", err)
	}
	if !exists || !reflect.DeepEqual(f.SimFavorites, []string{"f1"}) {
		t.Errorf("after first append: exists=%v sim=%v", exists, f.SimFavorites)
	}

	// Appending to an existing record preserves the other filter fields.
	tags := TagFilters{Whitelist: []string{"AI"}}
	if err := s.SaveUserFilters("u1", []string{"cs.AI"}, tags, []string{"f1"}); err != nil {
		t.Fatalf("SaveUserFilters: %v", err)
	}
	if err := s.AppendSimFavorite("u1", "f2"); err != nil {
		t.Fatalf("second AppendSimFavorite: %v", err)
	}
	if err := s.AppendSimFavorite("u1", "f2"); err != nil {
		t.Fatalf("repeat AppendSimFavorite: %v", err)
	}

	f, _, err = s.GetUserFilters("u1")
	if err != nil {
		t.Fatalf("GetUserFilters: %v", err)
	}
	if !reflect.DeepEqual(f.SimFavorites, []string{"f1", "f2"}) {
		t.Errorf("sim favorites = %v, want [f1 f2]", f.SimFavorites)
	}
	if !reflect.DeepEqual(f.Categories, []string{"cs.AI"}) || !reflect.DeepEqual(f.Tags, tags) {
		t.Errorf("append clobbered other fields: %+v", f)
	}
}

func TestReplaceBrowsingHistory_KeepsLatestOnly(t *testing.T) {
	s := openTestStore(t)

	if err := s.ReplaceBrowsingHistory(History{UserID: "u1", PaperID: "p1", Date: "2024-01-01", Position: 3}); err != nil {
		t.Fatalf("first ReplaceBrowsingHistory: %v", err)
	}
	if err := s.ReplaceBrowsingHistory(History{UserID: "u1", PaperID: "p2", Date: "2024-01-02", Position: 9}); err != nil {
		t.Fatalf("second ReplaceBrowsingHistory: %v", err)
	}

	h, err := s.LatestBrowsingHistory("u1")
	if err != nil {
		t.Fatalf("LatestBrowsingHistory: %v", err)
	}
	if h.PaperID != "p2" || h.Date != "2024-01-02" || h.Position != 9 {
		t.Errorf("history = %+v, want latest record", h)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM browsing_history WHERE user_id = 'u1'`).Scan(&count); err != nil {
		t.Fatalf("counting history rows: %v", err)
	}
	if count != 1 {
		t.Errorf("history rows = %d, want 1", count)
	}

	if _, err := s.LatestBrowsingHistory("u2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("history for unknown user = %v, want ErrNotFound", err)
	}
}
