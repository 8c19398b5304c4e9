// Copyright 2025 Takos
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ai

import (
	"sort"
	"strings"
	"unicode"
)

// Deterministic fallbacks for the builtin actions. They run when no eligible
// provider exists or the provider call fails, and they must produce the same
// output shape as the AI-backed path. Absence of AI degrades quality, not
// availability.

const (
	fallbackSummarySentences = 3
	fallbackMaxTags          = 5
	fallbackMinTagLength     = 4
)

// fallbackStopwords are skipped by the tag extractor. English plus the
// function words that dominate short posts.
var fallbackStopwords = map[string]bool{
	"about": true, "after": true, "also": true, "been": true, "before": true,
	"being": true, "could": true, "from": true, "have": true, "here": true,
	"into": true, "just": true, "like": true, "more": true, "much": true,
	"only": true, "other": true, "over": true, "some": true, "such": true,
	"than": true, "that": true, "them": true, "then": true, "there": true,
	"these": true, "they": true, "this": true, "very": true, "were": true,
	"what": true, "when": true, "which": true, "will": true, "with": true,
	"would": true, "your": true,
}

// moderationKeywords trip the fallback DM moderator. Each entry maps to the
// reason reported back.
var moderationKeywords = map[string]string{
	"spam":       "possible spam",
	"scam":       "possible scam",
	"phishing":   "possible phishing",
	"free money": "possible scam",
	"click here": "possible spam",
	"kill":       "violent content",
	"attack":     "violent content",
}

// splitSentences breaks text on sentence terminators, keeping the
// terminator with its sentence. Whitespace-only fragments are dropped.
func splitSentences(text string) []string {
	var out []string
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(b.String()); s != "" {
				out = append(out, s)
			}
			b.Reset()
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		out = append(out, s)
	}
	return out
}

// fallbackSummary returns the first few sentences of the text.
func fallbackSummary(text string) string {
	sentences := splitSentences(text)
	if len(sentences) > fallbackSummarySentences {
		sentences = sentences[:fallbackSummarySentences]
	}
	return strings.Join(sentences, " ")
}

// fallbackTags extracts the most frequent non-stopword terms. Ties break
// alphabetically so the result is stable for a given input.
func fallbackTags(text string) []string {
	counts := make(map[string]int)
	for _, field := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if len(field) < fallbackMinTagLength || fallbackStopwords[field] {
			continue
		}
		counts[field]++
	}

	terms := make([]string, 0, len(counts))
	for term := range counts {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > fallbackMaxTags {
		terms = terms[:fallbackMaxTags]
	}
	return terms
}

// fallbackTranslate passes the text through unchanged with an undetermined
// language tag.
func fallbackTranslate(text string) (string, string) {
	return text, "und"
}

// fallbackModerate flags messages containing any moderation keyword and
// reports the matching reasons, deduplicated and sorted.
func fallbackModerate(messages []string) (bool, []string) {
	reasons := []string{}
	seen := make(map[string]bool)
	for _, message := range messages {
		lower := strings.ToLower(message)
		for keyword, reason := range moderationKeywords {
			if strings.Contains(lower, keyword) && !seen[reason] {
				seen[reason] = true
				reasons = append(reasons, reason)
			}
		}
	}
	sort.Strings(reasons)
	return len(reasons) > 0, reasons
}
