package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// GetUserFilters returns the user's persisted filter record. The boolean
// reports whether a record exists at all: "never configured" is distinct from
// "configured to empty" and the feed pipeline treats them differently.
// Malformed JSON in a column degrades to the empty value for that field.
func (s *Store) GetUserFilters(userID string) (Filters, bool, error) {
	var categories, tags, simFavorites string
	var lastDate, lastPaperID sql.NullString
	var lastPosition int
	err := s.db.QueryRow(`
		SELECT categories, tags, sim_favorites, last_date, last_paper_id, last_position
		FROM user_filters WHERE user_id = ?`, userID,
	).Scan(&categories, &tags, &simFavorites, &lastDate, &lastPaperID, &lastPosition)
	if err == sql.ErrNoRows {
		return Filters{}, false, nil
	}
	if err != nil {
		return Filters{}, false, err
	}

	f := Filters{
		LastDate:     lastDate.String,
		LastPaperID:  lastPaperID.String,
		LastPosition: lastPosition,
	}
	_ = json.Unmarshal([]byte(categories), &f.Categories)
	_ = json.Unmarshal([]byte(tags), &f.Tags)
	_ = json.Unmarshal([]byte(simFavorites), &f.SimFavorites)
	return f, true, nil
}

// SaveUserFilters upserts the user's category/tag/similarity-source
// selection. The reading checkpoint columns are left untouched: they belong
// to SaveReadingPosition and a feed view must not clobber them.
func (s *Store) SaveUserFilters(userID string, categories []string, tags TagFilters, simFavorites []string) error {
	if categories == nil {
		categories = []string{}
	}
	if tags.Whitelist == nil {
		tags.Whitelist = []string{}
	}
	if tags.Blacklist == nil {
		tags.Blacklist = []string{}
	}
	if simFavorites == nil {
		simFavorites = []string{}
	}

	categoriesJSON, err := json.Marshal(categories)
	if err != nil {
		return fmt.Errorf("encoding categories: %w", err)
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}
	simJSON, err := json.Marshal(simFavorites)
	if err != nil {
		return fmt.Errorf("encoding sim_favorites: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO user_filters (user_id, categories, tags, sim_favorites, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			categories = excluded.categories,
			tags = excluded.tags,
			sim_favorites = excluded.sim_favorites,
			updated_at = excluded.updated_at`,
		userID, string(categoriesJSON), string(tagsJSON), string(simJSON),
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// AppendSimFavorite adds one favorite to the user's persisted
// similarity-source selection, preserving every other filter field. Already
// selected folders are left alone. Creates the filter record when none
// exists yet, so a first folder is selected from the moment it is made.
func (s *Store) AppendSimFavorite(userID, favoriteID string) error {
	f, _, err := s.GetUserFilters(userID)
	if err != nil {
		return err
	}
	for _, id := range f.SimFavorites {
		if id == favoriteID {
			return nil
		}
	}
	return s.SaveUserFilters(userID, f.Categories, f.Tags, append(f.SimFavorites, favoriteID))
}

// SaveReadingPosition upserts the user's reading checkpoint without touching
// the filter selection columns.
func (s *Store) SaveReadingPosition(userID, date, paperID string, position int) error {
	_, err := s.db.Exec(`
		INSERT INTO user_filters (user_id, last_date, last_paper_id, last_position, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			last_date = excluded.last_date,
			last_paper_id = excluded.last_paper_id,
			last_position = excluded.last_position,
			updated_at = excluded.updated_at`,
		userID, date, paperID, position, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// ReplaceBrowsingHistory stores the user's latest reading record, replacing
// any previous one. Only the most recent record per user is kept.
func (s *Store) ReplaceBrowsingHistory(h History) error {
	updatedAt := h.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO browsing_history (user_id, paper_id, date, position, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			paper_id = excluded.paper_id,
			date = excluded.date,
			position = excluded.position,
			updated_at = excluded.updated_at`,
		h.UserID, h.PaperID, h.Date, h.Position, updatedAt.Format(time.RFC3339),
	)
	return err
}

// LatestBrowsingHistory returns the user's most recent reading record.
func (s *Store) LatestBrowsingHistory(userID string) (History, error) {
	var h History
	var updatedAt string
	err := s.db.QueryRow(`
		SELECT user_id, paper_id, date, position, updated_at
		FROM browsing_history WHERE user_id = ?`, userID,
	).Scan(&h.UserID, &h.PaperID, &h.Date, &h.Position, &updatedAt)
	if err == sql.ErrNoRows {
		return History{}, ErrNotFound
	}
	if err != nil {
		return History{}, err
	}
	t, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return History{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	h.UpdatedAt = t
	return h, nil
}
