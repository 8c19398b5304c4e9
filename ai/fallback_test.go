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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFallbackSummaryTruncatesToThreeSentences(t *testing.T) {
	text := "One. Two! Three? Four. Five."
	assert.Equal(t, "One. Two! Three?", fallbackSummary(text))

	// Shorter input comes back whole.
	assert.Equal(t, "Hello world.", fallbackSummary("Hello world."))
	assert.Equal(t, "no terminator at all", fallbackSummary("no terminator at all"))
}

func TestFallbackTagsFrequencyAndStability(t *testing.T) {
	text := "Redis redis redis cache cache latency. The cache with redis."
	tags := fallbackTags(text)
	require.NotEmpty(t, tags)
	assert.Equal(t, "redis", tags[0])
	assert.Equal(t, "cache", tags[1])
	assert.Contains(t, tags, "latency")
	assert.NotContains(t, tags, "the", "stopwords are skipped")
	assert.NotContains(t, tags, "with", "short words are skipped")

	// Same input, same output.
	assert.Equal(t, tags, fallbackTags(text))
}

func TestFallbackTranslatePassesThrough(t *testing.T) {
	text, lang := fallbackTranslate("bonjour")
	assert.Equal(t, "bonjour", text)
	assert.Equal(t, "und", lang)
}

func TestFallbackModerate(t *testing.T) {
	flagged, reasons := fallbackModerate([]string{"hello there", "how are you"})
	assert.False(t, flagged)
	assert.Empty(t, reasons)

	flagged, reasons = fallbackModerate([]string{"FREE MONEY click here now"})
	assert.True(t, flagged)
	assert.Contains(t, reasons, "possible scam")
	assert.Contains(t, reasons, "possible spam")

	// Repeated matches do not duplicate reasons.
	flagged, reasons = fallbackModerate([]string{"spam", "more spam"})
	assert.True(t, flagged)
	assert.Equal(t, []string{"possible spam"}, reasons)
}
