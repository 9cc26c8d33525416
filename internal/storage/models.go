package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist or does not
// belong to the requesting user.
var ErrNotFound = errors.New("not found")

// ErrNameTaken is returned when a favorite rename or create collides with an
// existing folder name for the same user.
var ErrNameTaken = errors.New("name already taken")

// Favorite is a named, user-owned folder of paper ids. Embedding is derived:
// the mean of the member papers' embeddings, nil when no member qualifies.
type Favorite struct {
	ID        string
	UserID    string
	Name      string
	Embedding []float32
	CreatedAt time.Time
}

// TagFilters is the user's tag whitelist/blacklist pair.
type TagFilters struct {
	Whitelist []string `json:"whitelist"`
	Blacklist []string `json:"blacklist"`
}

// Filters is the per-user persisted filter and reading-checkpoint record.
// One row per user, created lazily on first write.
type Filters struct {
	Categories   []string
	Tags         TagFilters
	SimFavorites []string
	LastDate     string // YYYY-MM-DD, empty when unset
	LastPaperID  string
	LastPosition int
}

// History is a user's reading checkpoint. At most one row per user is kept;
// saving replaces the previous one.
type History struct {
	UserID    string
	PaperID   string
	Date      string // YYYY-MM-DD
	Position  int
	UpdatedAt time.Time
}
