package sandboxfs

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nickmerrett/shadow/pkg/types"
)

const (
	semanticMaxResults  = 10
	semanticMaxFileSize = 1 << 20
	semanticMinTermLen  = 3
)

// SemanticSearch scores workspace files by query term frequency and
// returns the top files with a representative snippet. It is a lexical
// approximation: good enough to steer the agent toward relevant files
// without an embedding service in the sandbox.
func (w *Workspace) SemanticSearch(query, repo string) *types.SemanticSearchResult {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return &types.SemanticSearchResult{
			Success: false, Error: types.ErrCodeValidation,
			Message: "query has no searchable terms", Query: query, Repo: repo,
			Results: []types.SemanticMatch{},
		}
	}

	type scored struct {
		rel     string
		score   float64
		snippet string
	}
	var results []scored

	filepath.WalkDir(w.root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if listIgnore[d.Name()] && p != w.root {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > semanticMaxFileSize {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil || bytes.IndexByte(data, 0) >= 0 {
			return nil // unreadable or binary
		}

		score, snippet := scoreContent(data, terms)
		if score > 0 {
			results = append(results, scored{rel: w.Rel(p), score: score, snippet: snippet})
		}
		return nil
	})

	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].rel < results[j].rel
	})
	if len(results) > semanticMaxResults {
		results = results[:semanticMaxResults]
	}

	out := make([]types.SemanticMatch, 0, len(results))
	for _, r := range results {
		out = append(out, types.SemanticMatch{File: r.rel, Score: r.score, Snippet: r.snippet})
	}
	return &types.SemanticSearchResult{
		Success: true,
		Message: fmt.Sprintf("%d files scored for %q", len(out), query),
		Query:   query,
		Repo:    repo,
		Results: out,
	}
}

// queryTerms lowercases and splits the query into distinct terms, dropping
// short stopword-ish tokens.
func queryTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
	seen := make(map[string]bool)
	var terms []string
	for _, f := range fields {
		if len(f) >= semanticMinTermLen && !seen[f] {
			seen[f] = true
			terms = append(terms, f)
		}
	}
	return terms
}

// scoreContent counts term hits line by line. Matching multiple distinct
// terms weighs more than repeating one; the snippet is the first line
// hitting the most terms.
func scoreContent(data []byte, terms []string) (float64, string) {
	var total float64
	distinct := make(map[string]bool)
	bestLine := ""
	bestHits := 0

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		line := scanner.Text()
		lower := strings.ToLower(line)
		hits := 0
		for _, term := range terms {
			if n := strings.Count(lower, term); n > 0 {
				hits++
				total += float64(n)
				distinct[term] = true
			}
		}
		if hits > bestHits {
			bestHits = hits
			bestLine = strings.TrimSpace(line)
		}
	}
	if total == 0 {
		return 0, ""
	}

	score := total * float64(len(distinct)) / float64(len(terms))
	if len(bestLine) > grepContentLimit {
		bestLine = bestLine[:grepContentLimit] + "..."
	}
	return score, bestLine
}
