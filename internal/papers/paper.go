package papers

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/caopulan/arXivDaily/internal/vecmath"
)

// Paper is one entry of a date partition. Descriptive fields (titles,
// abstracts, summaries, comment, asset paths) are passed through to the
// presentation layer unchanged; the feed pipeline only interprets ID, Tags,
// Category and Embedding.
type Paper struct {
	ID         string    `json:"id"`
	TitleEN    string    `json:"title_en,omitempty"`
	TitleZH    string    `json:"title_zh,omitempty"`
	AbstractEN string    `json:"abstract_en,omitempty"`
	AbstractZH string    `json:"abstract_zh,omitempty"`
	SummaryEN  string    `json:"summary_en,omitempty"`
	SummaryZH  string    `json:"summary_zh,omitempty"`
	Comment    string    `json:"comment,omitempty"`
	Category   string    `json:"category,omitempty"`
	Tags       []string  `json:"tags"`
	Embedding  []float32 `json:"embedding,omitempty"`
	ImagePath  string    `json:"image_path,omitempty"`
	PDFPath    string    `json:"pdf_path,omitempty"`
	PubDate    string    `json:"pub_date,omitempty"`
	CreatedAt  string    `json:"created_at,omitempty"`
}

// rawPaper mirrors Paper with loosely typed fields for the hand-edited JSON
// partitions: ids may live under "paper_id", tags may be a JSON string or a
// comma-joined string, embeddings may be an array, a double-encoded string,
// or garbage.
type rawPaper struct {
	ID         string          `json:"id"`
	PaperID    string          `json:"paper_id"`
	TitleEN    string          `json:"title_en"`
	TitleZH    string          `json:"title_zh"`
	AbstractEN string          `json:"abstract_en"`
	AbstractZH string          `json:"abstract_zh"`
	SummaryEN  string          `json:"summary_en"`
	SummaryZH  string          `json:"summary_zh"`
	Comment    string          `json:"comment"`
	Category   string          `json:"category"`
	Tags       json.RawMessage `json:"tags"`
	Embedding  json.RawMessage `json:"embedding"`
	ImagePath  string          `json:"image_path"`
	PDFPath    string          `json:"pdf_path"`
	PubDate    string          `json:"pub_date"`
	CreatedAt  string          `json:"created_at"`
}

func (r rawPaper) normalize() Paper {
	id := strings.TrimSpace(r.ID)
	if id == "" {
		id = strings.TrimSpace(r.PaperID)
	}
	return Paper{
		ID:         id,
		TitleEN:    r.TitleEN,
		TitleZH:    r.TitleZH,
		AbstractEN: r.AbstractEN,
		AbstractZH: r.AbstractZH,
		SummaryEN:  r.SummaryEN,
		SummaryZH:  r.SummaryZH,
		Comment:    r.Comment,
		Category:   r.Category,
		Tags:       normalizeTags(r.Tags),
		Embedding:  vecmath.Parse(r.Embedding),
		ImagePath:  r.ImagePath,
		PDFPath:    r.PDFPath,
		PubDate:    r.PubDate,
		CreatedAt:  r.CreatedAt,
	}
}

// normalizeTags accepts a JSON string array, a JSON-encoded string of one, or
// a plain comma-joined string. Tags are trimmed, empties dropped, and
// duplicates removed preserving first occurrence.
func normalizeTags(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		if err := json.Unmarshal([]byte(s), &list); err != nil {
			list = strings.Split(s, ",")
		}
	}

	seen := make(map[string]struct{}, len(list))
	var tags []string
	for _, t := range list {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		tags = append(tags, t)
	}
	return tags
}

var categorySep = regexp.MustCompile(`[,\s]+`)

// SplitCategories splits a paper's possibly multi-valued category field on
// whitespace and commas, dropping empty pieces.
func SplitCategories(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, c := range categorySep.Split(raw, -1) {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// merge overlays incoming onto p field by field: a non-empty incoming value
// wins, an empty one never erases existing data.
func (p Paper) merge(incoming Paper) Paper {
	merged := p
	if incoming.TitleEN != "" {
		merged.TitleEN = incoming.TitleEN
	}
	if incoming.TitleZH != "" {
		merged.TitleZH = incoming.TitleZH
	}
	if incoming.AbstractEN != "" {
		merged.AbstractEN = incoming.AbstractEN
	}
	if incoming.AbstractZH != "" {
		merged.AbstractZH = incoming.AbstractZH
	}
	if incoming.SummaryEN != "" {
		merged.SummaryEN = incoming.SummaryEN
	}
	if incoming.SummaryZH != "" {
		merged.SummaryZH = incoming.SummaryZH
	}
	if incoming.Comment != "" {
		merged.Comment = incoming.Comment
	}
	if incoming.Category != "" {
		merged.Category = incoming.Category
	}
	if len(incoming.Tags) > 0 {
		merged.Tags = incoming.Tags
	}
	if len(incoming.Embedding) > 0 {
		merged.Embedding = incoming.Embedding
	}
	if incoming.ImagePath != "" {
		merged.ImagePath = incoming.ImagePath
	}
	if incoming.PDFPath != "" {
		merged.PDFPath = incoming.PDFPath
	}
	if incoming.PubDate != "" {
		merged.PubDate = incoming.PubDate
	}
	if incoming.CreatedAt != "" {
		merged.CreatedAt = incoming.CreatedAt
	}
	return merged
}
