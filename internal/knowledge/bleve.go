package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/google/uuid"
)

// BleveStore implements Store on a Bleve index, giving
// RetrieveRelevant real BM25 ranking instead of keyword counting.
type BleveStore struct {
	mu    sync.RWMutex
	index bleve.Index
	path  string
}

// learningDocument is the indexed shape of a Learning. Provenance is
// carried as opaque JSON; it is never searched.
type learningDocument struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Category   string    `json:"category"`
	Tags       []string  `json:"tags"`
	Content    string    `json:"content"`
	Confidence float64   `json:"confidence"`
	Provenance string    `json:"provenance"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewBleveStore opens or creates a Bleve index at path.
func NewBleveStore(path string) (*BleveStore, error) {
	var index bleve.Index
	var err error

	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		index, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create bleve index: %w", err)
		}
	} else {
		index, err = bleve.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open bleve index: %w", err)
		}
	}

	return &BleveStore{index: index, path: path}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	docMapping := bleve.NewDocumentMapping()

	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = standard.Name

	keywordFieldMapping := bleve.NewKeywordFieldMapping()
	numericFieldMapping := bleve.NewNumericFieldMapping()
	dateFieldMapping := bleve.NewDateTimeFieldMapping()

	storedOnly := bleve.NewTextFieldMapping()
	storedOnly.Index = false

	docMapping.AddFieldMappingsAt("content", textFieldMapping)
	docMapping.AddFieldMappingsAt("type", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("category", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("tags", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("confidence", numericFieldMapping)
	docMapping.AddFieldMappingsAt("created_at", dateFieldMapping)
	docMapping.AddFieldMappingsAt("provenance", storedOnly)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping
	indexMapping.DefaultAnalyzer = standard.Name
	return indexMapping
}

func (s *BleveStore) Save(_ context.Context, l Learning) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}

	prov, err := json.Marshal(l.Provenance)
	if err != nil {
		return fmt.Errorf("failed to encode provenance: %w", err)
	}
	doc := learningDocument{
		ID:         l.ID,
		Type:       string(l.Type),
		Category:   l.Category,
		Tags:       l.Tags,
		Content:    l.Content,
		Confidence: l.Confidence,
		Provenance: string(prov),
		CreatedAt:  l.CreatedAt,
	}
	if err := s.index.Index(l.ID, doc); err != nil {
		return fmt.Errorf("failed to index learning: %w", err)
	}
	return nil
}

func (s *BleveStore) Retrieve(_ context.Context, f Filter) ([]Learning, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req := bleve.NewSearchRequest(bleve.NewMatchAllQuery())
	req.Size = searchPageSize(f.Limit)
	req.Fields = []string{"*"}
	req.SortBy([]string{"-created_at"})

	res, err := s.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	var out []Learning
	for _, hit := range res.Hits {
		l := learningFromHit(hit.ID, hit.Fields)
		if !f.matches(l) {
			continue
		}
		out = append(out, l)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// RetrieveRelevant ranks stored learnings against the task text and
// hint keywords with a disjunction of match queries.
func (s *BleveStore) RetrieveRelevant(_ context.Context, taskText string, hints []string) ([]Learning, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	queries := []query.Query{}
	if taskText != "" {
		queries = append(queries, bleve.NewMatchQuery(taskText))
	}
	for _, hint := range hints {
		if hint == "" {
			continue
		}
		queries = append(queries, bleve.NewMatchQuery(hint))
	}
	if len(queries) == 0 {
		return nil, nil
	}

	req := bleve.NewSearchRequest(bleve.NewDisjunctionQuery(queries...))
	req.Size = 10
	req.Fields = []string{"*"}

	res, err := s.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	out := make([]Learning, 0, len(res.Hits))
	for _, hit := range res.Hits {
		out = append(out, learningFromHit(hit.ID, hit.Fields))
	}
	return out, nil
}

func (s *BleveStore) GetByCategory(ctx context.Context, category string) ([]Learning, error) {
	return s.Retrieve(ctx, Filter{Categories: []string{category}})
}

func (s *BleveStore) GetStats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		ByType:     make(map[LearningType]int),
		ByCategory: make(map[string]int),
	}

	req := bleve.NewSearchRequest(bleve.NewMatchAllQuery())
	req.Size = searchPageSize(0)
	req.Fields = []string{"type", "category"}

	res, err := s.index.Search(req)
	if err != nil {
		return stats, fmt.Errorf("search failed: %w", err)
	}
	for _, hit := range res.Hits {
		typ, _ := hit.Fields["type"].(string)
		category, _ := hit.Fields["category"].(string)
		stats.Total++
		stats.ByType[LearningType(typ)]++
		if category != "" {
			stats.ByCategory[category]++
		}
	}
	return stats, nil
}

func (s *BleveStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.index.Document(id)
	if err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("learning not found: %s", id)
	}
	return s.index.Delete(id)
}

func (s *BleveStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req := bleve.NewSearchRequest(bleve.NewMatchAllQuery())
	req.Size = searchPageSize(0)
	res, err := s.index.Search(req)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	batch := s.index.NewBatch()
	for _, hit := range res.Hits {
		batch.Delete(hit.ID)
	}
	return s.index.Batch(batch)
}

func (s *BleveStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Close()
}

func learningFromHit(id string, fields map[string]interface{}) Learning {
	content, _ := fields["content"].(string)
	typ, _ := fields["type"].(string)
	category, _ := fields["category"].(string)
	confidence, _ := fields["confidence"].(float64)

	l := Learning{
		ID:         id,
		Type:       LearningType(typ),
		Category:   category,
		Tags:       stringsFromField(fields["tags"]),
		Content:    content,
		Confidence: confidence,
	}
	if prov, ok := fields["provenance"].(string); ok && prov != "" {
		_ = json.Unmarshal([]byte(prov), &l.Provenance)
	}
	if created, ok := fields["created_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, created); err == nil {
			l.CreatedAt = t
		}
	}
	return l
}

// stringsFromField handles Bleve returning a single stored value as a
// bare string instead of a slice.
func stringsFromField(raw interface{}) []string {
	switch v := raw.(type) {
	case string:
		return []string{v}
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func searchPageSize(limit int) int {
	if limit > 0 {
		return limit * 2
	}
	return 1000
}
