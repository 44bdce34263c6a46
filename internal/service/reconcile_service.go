package service

import (
	"sort"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/noah-isme/tagrader/internal/models"
)

// maxEditDistance bounds the fuzzy stage: ids further apart than this are
// never considered the same student.
const maxEditDistance = 4

// MatchResult is the outcome of reconciling platform report ids against the
// gradebook roster.
type MatchResult struct {
	// Matched maps each resolved report id to a gradebook row key.
	Matched map[string]string
	// UnmatchedReport lists report ids no gradebook row could account for.
	UnmatchedReport []string
	// UnmatchedBook lists gradebook row keys no report row accounted for.
	UnmatchedBook []string
}

// ReconcileService resolves student identities between a platform completion
// report and the institution gradebook. Students routinely mistype their ids
// on the platform, so exact matching is layered with progressively fuzzier
// stages; a stage never touches ids an earlier stage resolved.
type ReconcileService interface {
	Reconcile(reportIDs []string, book *models.Gradebook) MatchResult
}

// NewReconcileService constructs an identity reconciler.
func NewReconcileService(logger zerolog.Logger) ReconcileService {
	return &reconcileService{
		logger: logger.With().Str("component", "reconcile_service").Logger(),
	}
}

type reconcileService struct {
	logger zerolog.Logger
}

func (s *reconcileService) Reconcile(reportIDs []string, book *models.Gradebook) MatchResult {
	result := MatchResult{Matched: map[string]string{}}

	pendingReport := sortedUnique(reportIDs)
	pendingBook := map[string]bool{}
	for key := range book.Rows {
		pendingBook[key] = true
	}

	claim := func(reportID, bookKey string) {
		result.Matched[reportID] = bookKey
		delete(pendingBook, bookKey)
	}

	// Stage 1: exact id match.
	pendingReport = filterMatched(pendingReport, func(id string) bool {
		if pendingBook[id] {
			claim(id, id)
			return true
		}
		return false
	})

	// Stage 2: the student typed their login name instead of their id.
	loginIndex := loginIndexOf(book, pendingBook)
	pendingReport = filterMatched(pendingReport, func(id string) bool {
		if key, ok := loginIndex[id]; ok && pendingBook[key] {
			claim(id, key)
			return true
		}
		return false
	})

	// Stage 3: the platform id carries a duplicated two-digit tail, as when
	// a student re-types the last digits of their id.
	pendingReport = filterMatched(pendingReport, func(id string) bool {
		if len(id) <= 2 {
			return false
		}
		if trimmed := id[:len(id)-2]; pendingBook[trimmed] {
			claim(id, trimmed)
			return true
		}
		return false
	})

	// Stage 4: edit distance over the digit sequences. Only numeric-looking
	// ids participate: login names are not close misspellings of numeric
	// ids, however short. A report id is confirmed only when exactly one
	// row is within range, and that row is claimed by exactly one report
	// id; everything ambiguous stays unmatched rather than guessed.
	bookKeys := sortedKeys(pendingBook)
	candidate := map[string]string{}
	claims := map[string]int{}
	for _, id := range pendingReport {
		if hasLetter(id) {
			continue
		}
		keys := candidatesWithin(id, bookKeys)
		if len(keys) != 1 {
			continue
		}
		candidate[id] = keys[0]
		claims[keys[0]]++
	}
	pendingReport = filterMatched(pendingReport, func(id string) bool {
		key, ok := candidate[id]
		if !ok || claims[key] != 1 {
			return false
		}
		claim(id, key)
		s.logger.Debug().Str("report_id", id).Str("gradebook_id", key).Msg("fuzzy id match")
		return true
	})

	result.UnmatchedReport = pendingReport
	result.UnmatchedBook = sortedKeys(pendingBook)
	return result
}

// candidatesWithin returns every numeric key whose digit sequence is within
// maxEditDistance of id's, sorted.
func candidatesWithin(id string, keys []string) []string {
	idDigits := digits(id)
	var found []string
	for _, key := range keys {
		if hasLetter(key) {
			continue
		}
		if editDistance(idDigits, digits(key)) < maxEditDistance {
			found = append(found, key)
		}
	}
	return found
}

func hasLetter(id string) bool {
	for _, r := range id {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

// digits strips everything but the digit characters.
func digits(id string) string {
	var b strings.Builder
	for _, r := range id {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// editDistance is the Levenshtein distance between two ids.
func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func loginIndexOf(book *models.Gradebook, pending map[string]bool) map[string]string {
	index := map[string]string{}
	for key, row := range book.Rows {
		if !pending[key] || row.LoginID == "" {
			continue
		}
		index[row.LoginID] = key
	}
	return index
}

func filterMatched(ids []string, matched func(string) bool) []string {
	remaining := ids[:0]
	for _, id := range ids {
		if !matched(id) {
			remaining = append(remaining, id)
		}
	}
	return remaining
}

func sortedUnique(ids []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
