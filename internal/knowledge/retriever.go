// Package knowledge selects curated reply snippets for an incoming message and
// manages their editorial workflow.
package knowledge

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/replydesk/internal/storage"
)

// Store is the persistence the package needs. Implemented by storage.Store.
type Store interface {
	SaveKnowledgeItem(k storage.KnowledgeItem) error
	GetKnowledgeItem(id string) (storage.KnowledgeItem, error)
	ListKnowledgeItems(status storage.KnowledgeStatus) ([]storage.KnowledgeItem, error)
}

// Result holds the matched items, most recently published first, and the
// item tags that caused a match.
type Result struct {
	Items       []storage.KnowledgeItem
	MatchedTags []string
}

// IDs returns the IDs of the matched items in order.
func (r Result) IDs() []string {
	ids := make([]string, len(r.Items))
	for i, k := range r.Items {
		ids[i] = k.ID
	}
	return ids
}

// Retriever matches published knowledge items by tag.
type Retriever struct {
	store Store
}

func NewRetriever(store Store) *Retriever {
	return &Retriever{store: store}
}

// Retrieve returns every published item with at least one tag that occurs,
// case-insensitively, inside messageText or equals one of ticketTags. Pending
// snapshots are never consulted. No match yields an empty result.
func (r *Retriever) Retrieve(ctx context.Context, messageText string, ticketTags []string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	items, err := r.store.ListKnowledgeItems(storage.KnowledgePublished)
	if err != nil {
		return Result{}, fmt.Errorf("listing published knowledge: %w", err)
	}

	text := strings.ToLower(messageText)
	available := make(map[string]bool, len(ticketTags))
	for _, t := range ticketTags {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			available[t] = true
		}
	}

	var res Result
	seenTag := make(map[string]bool)
	for _, item := range items {
		matched := false
		for _, tag := range item.Tags {
			norm := strings.ToLower(strings.TrimSpace(tag))
			if norm == "" {
				continue
			}
			if !available[norm] && !strings.Contains(text, norm) {
				continue
			}
			matched = true
			if !seenTag[norm] {
				seenTag[norm] = true
				res.MatchedTags = append(res.MatchedTags, strings.TrimSpace(tag))
			}
		}
		if matched {
			res.Items = append(res.Items, item)
		}
	}
	return res, nil
}
