package summarize

import (
	"context"
	"sort"
	"strings"
	"unicode"
)

// Extractive picks the highest-scoring sentences of the input, scored by the
// frequency of their content words. It is deterministic and needs no network.
type Extractive struct{}

func NewExtractive() *Extractive {
	return &Extractive{}
}

type sentence struct {
	pos   int
	words []string
	score float64
}

func (e *Extractive) Summarize(ctx context.Context, text string, b Bounds) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if IsBlank(text) {
		return "", nil
	}

	sentences := splitSentences(text)
	freq := map[string]int{}
	for _, s := range sentences {
		for _, w := range s.words {
			if k := normalize(w); len(k) > 3 {
				freq[k]++
			}
		}
	}
	for i := range sentences {
		s := &sentences[i]
		var total int
		for _, w := range s.words {
			total += freq[normalize(w)]
		}
		s.score = float64(total) / float64(len(s.words))
	}

	ranked := make([]sentence, len(sentences))
	copy(ranked, sentences)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	var picked []sentence
	used := 0
	for _, s := range ranked {
		room := b.Max - used
		if room <= 0 {
			break
		}
		if len(s.words) <= room {
			picked = append(picked, s)
			used += len(s.words)
			continue
		}
		// Only cut a sentence short when the summary would otherwise stay under the minimum.
		if used < b.Min {
			s.words = s.words[:room]
			picked = append(picked, s)
			used += room
		}
	}

	sort.Slice(picked, func(i, j int) bool { return picked[i].pos < picked[j].pos })
	parts := make([]string, 0, len(picked))
	for _, s := range picked {
		parts = append(parts, strings.Join(s.words, " "))
	}
	return strings.Join(parts, " "), nil
}

func splitSentences(text string) []sentence {
	var out []sentence
	var cur []string
	flush := func() {
		if len(cur) > 0 {
			out = append(out, sentence{pos: len(out), words: cur})
			cur = nil
		}
	}
	for _, line := range strings.Split(text, "\n") {
		for _, w := range strings.Fields(line) {
			cur = append(cur, w)
			if strings.ContainsAny(w[len(w)-1:], ".!?") {
				flush()
			}
		}
		// Note lines are usually separate thoughts even without punctuation.
		flush()
	}
	return out
}

func normalize(w string) string {
	return strings.ToLower(strings.TrimFunc(w, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}))
}
