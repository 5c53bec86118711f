// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"cmp"
	"encoding/json"
	"maps"
	"math"
	"slices"
	"strings"
	"unicode"
)

// Okapi BM25 parameters.
const (
	searchK1    = 1.2
	searchB     = 0.75
	searchFloor = 0.25
)

// Each field's terms are repeated this many times in a tool's
// document, so a hit on the method name outranks a hit on an
// argument description.
const (
	weightMethod              = 3
	weightToolDescription     = 2
	weightArgumentName        = 2
	weightNamespace           = 1
	weightArgumentDescription = 1
)

// SearchResult is one tool ranked against a query.
type SearchResult struct {
	Method      string  `json:"method"`
	Description string  `json:"description,omitempty"`
	Score       float64 `json:"score"`
}

// toolIndex ranks the exposed tools of one snapshot.
type toolIndex struct {
	methods      []string
	descriptions []string
	frequencies  []map[string]int
	lengths      []int
	meanLength   float64
	idf          map[string]float64
}

// Search ranks the snapshot's exposed tools against a free-text query
// and returns at most limit results, best first. A limit of zero or
// less returns every match. Ties keep method order.
func (s *Snapshot) Search(query string, limit int) []SearchResult {
	s.searchOnce.Do(func() { s.search = buildToolIndex(s) })
	return s.search.rank(searchTerms(query), limit)
}

func buildToolIndex(s *Snapshot) *toolIndex {
	index := &toolIndex{idf: make(map[string]float64)}
	containing := make(map[string]int)
	var total int

	for _, m := range s.Manifests() {
		for position := range m.Tools {
			tool := &m.Tools[position]
			if !tool.Exposed() {
				continue
			}
			method := m.ID + "." + tool.Name
			terms := toolTerms(m, tool, method)

			frequency := make(map[string]int)
			for _, term := range terms {
				if frequency[term] == 0 {
					containing[term]++
				}
				frequency[term]++
			}
			index.methods = append(index.methods, method)
			index.descriptions = append(index.descriptions, tool.Description)
			index.frequencies = append(index.frequencies, frequency)
			index.lengths = append(index.lengths, len(terms))
			total += len(terms)
		}
	}

	count := float64(len(index.methods))
	if count > 0 {
		index.meanLength = float64(total) / count
	}
	for term, documents := range containing {
		weight := math.Log(1 + (count-float64(documents)+0.5)/(float64(documents)+0.5))
		if weight < 0 {
			weight = searchFloor
		}
		index.idf[term] = weight
	}
	return index
}

func toolTerms(m *Manifest, tool *Tool, method string) []string {
	var terms []string
	add := func(text string, weight int) {
		fieldTerms := searchTerms(text)
		for range weight {
			terms = append(terms, fieldTerms...)
		}
	}
	add(method, weightMethod)
	add(tool.Description, weightToolDescription)
	add(m.Name+" "+m.Category, weightNamespace)
	names, descriptions := schemaArguments(tool.InputSchema)
	for _, name := range names {
		add(name, weightArgumentName)
	}
	for _, description := range descriptions {
		add(description, weightArgumentDescription)
	}
	return terms
}

func (index *toolIndex) rank(query []string, limit int) []SearchResult {
	if len(query) == 0 || index.meanLength == 0 {
		return nil
	}
	var results []SearchResult
	for document := range index.methods {
		score := index.score(document, query)
		if score <= 0 {
			continue
		}
		results = append(results, SearchResult{
			Method:      index.methods[document],
			Description: index.descriptions[document],
			Score:       score,
		})
	}
	slices.SortStableFunc(results, func(a, b SearchResult) int {
		return cmp.Compare(b.Score, a.Score)
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

func (index *toolIndex) score(document int, query []string) float64 {
	frequency := index.frequencies[document]
	normalized := searchK1 * (1 - searchB + searchB*float64(index.lengths[document])/index.meanLength)
	var score float64
	for _, term := range query {
		count := float64(frequency[term])
		if count == 0 {
			continue
		}
		score += index.idf[term] * count * (searchK1 + 1) / (count + normalized)
	}
	return score
}

// searchTerms lowercases text and splits it into letter and digit
// runs, dropping single characters.
func searchTerms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return slices.DeleteFunc(fields, func(field string) bool {
		return len(field) < 2
	})
}

// schemaArguments returns the top-level property names of an input
// schema and their descriptions, sorted by name. Schemas without an
// object of properties contribute nothing.
func schemaArguments(inputSchema json.RawMessage) (names, descriptions []string) {
	if len(inputSchema) == 0 {
		return nil, nil
	}
	var document struct {
		Properties map[string]struct {
			Description string `json:"description"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(inputSchema, &document); err != nil {
		return nil, nil
	}
	for _, name := range slices.Sorted(maps.Keys(document.Properties)) {
		names = append(names, name)
		descriptions = append(descriptions, document.Properties[name].Description)
	}
	return names, descriptions
}
