package models

import (
	"sort"
	"time"
)

type SnippetDescriptor struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Language    string `json:"language"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type SnippetSource struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	Code      string    `json:"code"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// CacheMeta records where a catalog came from. It is not used for eviction.
type CacheMeta struct {
	FetchedAt            time.Time `json:"fetchedAt"`
	FetchedFromPortal    string    `json:"fetchedFromPortal"`
	FetchedFromCollector string    `json:"fetchedFromCollector"`
	CollectorDescription string    `json:"collectorDescription"`
}

type Catalog struct {
	Snippets []SnippetDescriptor `json:"snippets"`
	Meta     CacheMeta           `json:"meta"`
}

type SnippetGroup struct {
	Category string              `json:"category"`
	Snippets []SnippetDescriptor `json:"snippets"`
}

// Groups returns the catalog's descriptors grouped by category, categories sorted by name.
func (c Catalog) Groups() []SnippetGroup {
	index := make(map[string]int)
	var groups []SnippetGroup
	for _, s := range c.Snippets {
		i, ok := index[s.Category]
		if !ok {
			i = len(groups)
			index[s.Category] = i
			groups = append(groups, SnippetGroup{Category: s.Category})
		}
		groups[i].Snippets = append(groups[i].Snippets, s)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Category < groups[j].Category
	})
	return groups
}
