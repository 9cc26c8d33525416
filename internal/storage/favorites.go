package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/caopulan/arXivDaily/internal/vecmath"
)

// CreateFavorite inserts a new favorite folder. Returns ErrNameTaken when the
// user already has a folder with the same name.
func (s *Store) CreateFavorite(f Favorite) error {
	var existing string
	err := s.db.QueryRow(`SELECT id FROM favorites WHERE user_id = ? AND name = ?`, f.UserID, f.Name).Scan(&existing)
	if err == nil {
		return ErrNameTaken
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("checking favorite name: %w", err)
	}

	createdAt := f.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.db.Exec(`
		INSERT INTO favorites (id, user_id, name, embedding, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		f.ID, f.UserID, f.Name, vecmath.Encode(f.Embedding), createdAt.Format(time.RFC3339),
	)
	return err
}

// GetFavorite returns a favorite by id, scoped to the given user.
func (s *Store) GetFavorite(userID, id string) (Favorite, error) {
	var f Favorite
	var embedding []byte
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, user_id, name, embedding, created_at
		FROM favorites WHERE id = ? AND user_id = ?`, id, userID,
	).Scan(&f.ID, &f.UserID, &f.Name, &embedding, &createdAt)
	if err == sql.ErrNoRows {
		return Favorite{}, ErrNotFound
	}
	if err != nil {
		return Favorite{}, err
	}
	f.Embedding = vecmath.Decode(embedding)
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Favorite{}, fmt.Errorf("parsing created_at: %w", err)
	}
	f.CreatedAt = t
	return f, nil
}

// GetFavoriteByName returns a user's favorite by folder name.
func (s *Store) GetFavoriteByName(userID, name string) (Favorite, error) {
	var id string
	err := s.db.QueryRow(`SELECT id FROM favorites WHERE user_id = ? AND name = ?`, userID, name).Scan(&id)
	if err == sql.ErrNoRows {
		return Favorite{}, ErrNotFound
	}
	if err != nil {
		return Favorite{}, err
	}
	return s.GetFavorite(userID, id)
}

// ListFavorites returns all of a user's favorites ordered by name.
func (s *Store) ListFavorites(userID string) ([]Favorite, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, name, embedding, created_at
		FROM favorites WHERE user_id = ? ORDER BY name`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Favorite
	for rows.Next() {
		var f Favorite
		var embedding []byte
		var createdAt string
		if err := rows.Scan(&f.ID, &f.UserID, &f.Name, &embedding, &createdAt); err != nil {
			return nil, err
		}
		f.Embedding = vecmath.Decode(embedding)
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		f.CreatedAt = t
		results = append(results, f)
	}
	return results, rows.Err()
}

// RenameFavorite renames a user's favorite. Returns ErrNotFound when the
// favorite does not exist for that user and ErrNameTaken when another folder
// already uses the new name.
func (s *Store) RenameFavorite(userID, id, newName string) error {
	var conflict string
	err := s.db.QueryRow(`SELECT id FROM favorites WHERE user_id = ? AND name = ? AND id != ?`,
		userID, newName, id).Scan(&conflict)
	if err == nil {
		return ErrNameTaken
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("checking name conflict: %w", err)
	}

	res, err := s.db.Exec(`UPDATE favorites SET name = ? WHERE id = ? AND user_id = ?`, newName, id, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFavorite removes a user's favorite; membership rows cascade.
func (s *Store) DeleteFavorite(userID, id string) error {
	res, err := s.db.Exec(`DELETE FROM favorites WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetFavoriteEmbedding persists a favorite's derived embedding; a nil vector
// stores NULL (no member with an embedding).
func (s *Store) SetFavoriteEmbedding(id string, vec []float32) error {
	res, err := s.db.Exec(`UPDATE favorites SET embedding = ? WHERE id = ?`, vecmath.Encode(vec), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddFavoritePaper records membership of a paper in a favorite. Returns false
// without error when the paper is already a member.
func (s *Store) AddFavoritePaper(favoriteID, paperID string) (bool, error) {
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO favorite_papers (favorite_id, paper_id, created_at)
		VALUES (?, ?, ?)`,
		favoriteID, paperID, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RemoveFavoritePaper removes a paper from a favorite. Removing a paper that
// is not a member is a no-op.
func (s *Store) RemoveFavoritePaper(favoriteID, paperID string) error {
	_, err := s.db.Exec(`DELETE FROM favorite_papers WHERE favorite_id = ? AND paper_id = ?`, favoriteID, paperID)
	return err
}

// ListFavoritePaperIDs returns the paper ids in a favorite, oldest first.
func (s *Store) ListFavoritePaperIDs(favoriteID string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT paper_id FROM favorite_papers WHERE favorite_id = ? ORDER BY created_at ASC, paper_id ASC`,
		favoriteID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FavoriteIDsForPaper returns the ids of the user's favorites containing the
// given paper.
func (s *Store) FavoriteIDsForPaper(userID, paperID string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT favorite_papers.favorite_id
		FROM favorite_papers
		JOIN favorites ON favorites.id = favorite_papers.favorite_id
		WHERE favorites.user_id = ? AND favorite_papers.paper_id = ?`,
		userID, paperID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AllFavoritePaperIDs returns the distinct paper ids saved in any of the
// user's favorites.
func (s *Store) AllFavoritePaperIDs(userID string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT favorite_papers.paper_id
		FROM favorite_papers
		JOIN favorites ON favorites.id = favorite_papers.favorite_id
		WHERE favorites.user_id = ?`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
