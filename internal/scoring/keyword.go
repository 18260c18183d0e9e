package scoring

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/blevesearch/bleve"

	"github.com/Rogers-F/threadline/internal/domain"
)

const (
	fieldKeywords    = "keywords"
	fieldDescription = "description"

	// descriptionWeight discounts description matches against declared keywords.
	descriptionWeight = 0.5
	// priorBoost favours domains already touched in the thread.
	priorBoost = 0.1
)

// KeywordIndex scores domains by how many of their keywords and description
// terms occur in the text, using an in-memory bleve index for analysis.
type KeywordIndex struct {
	mu    sync.RWMutex
	index bleve.Index
	size  int
}

// NewKeywordIndex indexes the keywords and descriptions of domains.
func NewKeywordIndex(domains []domain.Domain) (*KeywordIndex, error) {
	index, err := buildIndex(domains)
	if err != nil {
		return nil, err
	}
	return &KeywordIndex{index: index, size: len(domains)}, nil
}

// Rebuild replaces the indexed domains, e.g. after a manifest reload.
func (k *KeywordIndex) Rebuild(domains []domain.Domain) error {
	index, err := buildIndex(domains)
	if err != nil {
		return err
	}
	k.mu.Lock()
	old := k.index
	k.index, k.size = index, len(domains)
	k.mu.Unlock()
	return old.Close()
}

func buildIndex(domains []domain.Domain) (bleve.Index, error) {
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create keyword index: %w", err)
	}
	for _, d := range domains {
		doc := map[string]interface{}{
			fieldKeywords:    strings.Join(d.Keywords, " "),
			fieldDescription: d.Description,
		}
		if err := index.Index(d.ID, doc); err != nil {
			index.Close()
			return nil, fmt.Errorf("index domain %s: %w", d.ID, err)
		}
	}
	return index, nil
}

// Close releases the index.
func (k *KeywordIndex) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.index.Close()
}

// Score implements Scorer.
func (k *KeywordIndex) Score(ctx context.Context, text string, sc Context) ([]domain.Candidate, error) {
	query := text
	if len(sc.Entities) > 0 {
		query = text + " " + strings.Join(sc.Entities, " ")
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	if strings.TrimSpace(query) == "" || k.size == 0 {
		return nil, nil
	}

	kw := bleve.NewMatchQuery(query)
	kw.SetField(fieldKeywords)
	desc := bleve.NewMatchQuery(query)
	desc.SetField(fieldDescription)

	req := bleve.NewSearchRequestOptions(bleve.NewDisjunctionQuery(kw, desc), k.size, 0, false)
	req.IncludeLocations = true

	res, err := k.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrScorerFailed.Code, "keyword search", err)
	}

	prior := make(map[string]bool, len(sc.PriorDomains))
	for _, d := range sc.PriorDomains {
		prior[d] = true
	}
	lower := strings.ToLower(text)

	out := make([]domain.Candidate, 0, len(res.Hits))
	for _, hit := range res.Hits {
		seen := map[string]bool{}
		strength := 0.0
		for term := range hit.Locations[fieldKeywords] {
			seen[term] = true
			strength++
		}
		for term := range hit.Locations[fieldDescription] {
			if !seen[term] {
				seen[term] = true
				strength += descriptionWeight
			}
		}
		if strength == 0 {
			continue
		}
		conf := 1 - math.Pow(0.5, strength)
		if prior[hit.ID] {
			conf += priorBoost
		}
		out = append(out, domain.Candidate{
			Domain:     hit.ID,
			Confidence: math.Round(math.Min(conf, 1)*1000) / 1000,
			Mention:    firstMention(lower, seen),
		})
	}
	return Rank(out), nil
}

func firstMention(text string, terms map[string]bool) int {
	best := -1
	for term := range terms {
		if i := strings.Index(text, term); i >= 0 && (best < 0 || i < best) {
			best = i
		}
	}
	return best
}
