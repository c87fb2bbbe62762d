package text

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// maxRun is how many identical consecutive runes survive collapsing.
const maxRun = 2

// hotwordRepeatLimit: this many machine repetitions of a hotword or more get
// folded down to two.
const hotwordRepeatLimit = 4

// defaultClosers are boilerplate sign-off phrases the recognizer tends to
// hallucinate at silence boundaries.
var defaultClosers = []string{
	"ご視聴ありがとうございました",
	"ご清聴ありがとうございました",
	"以上です",
	"失礼いたします",
}

var trailingPunct = "。．！!？? "

// Sanitizer cleans final recognition results: repetition collapse, closer
// stripping, dictionary replacements and fuzzy person-name correction.
type Sanitizer struct {
	dict    *Dictionary
	closers []string
}

func NewSanitizer(dict *Dictionary, closers []string) *Sanitizer {
	if len(closers) == 0 {
		closers = defaultClosers
	}
	return &Sanitizer{dict: dict, closers: closers}
}

// Clean runs the full pipeline over a final recognition result. An empty
// return means the text was noise and should be discarded.
func (s *Sanitizer) Clean(text string) string {
	if text == "" {
		return ""
	}

	out := strings.TrimSpace(text)
	out = CollapseRuns(out, s.dict.ProtectSet())
	out = CollapseRepeatedPhrases(out, s.hotwords())
	out = StripClosers(out, s.closers)
	out = FuzzyPeopleReplace(out, s.dict.People())
	out = s.dict.Apply(out)
	return strings.TrimSpace(out)
}

// ApplyDictionary exposes just the dictionary pass, used on translations.
func (s *Sanitizer) ApplyDictionary(text string) string {
	return s.dict.Apply(text)
}

func (s *Sanitizer) hotwords() []string {
	var words []string
	for _, p := range s.dict.People() {
		if p.Name != "" {
			words = append(words, p.Name)
		}
		for _, a := range p.Aliases {
			if a != "" {
				words = append(words, a)
			}
		}
	}
	return words
}

// CollapseRuns shortens any run of three or more identical runes to two.
// Tokens in protect (case-folded) are shielded from collapsing.
func CollapseRuns(text string, protect map[string]struct{}) string {
	if text == "" {
		return text
	}

	collapse := func(segment string) string {
		var b strings.Builder
		b.Grow(len(segment))
		var prev rune
		run := 0
		for _, r := range segment {
			if r == prev {
				run++
				if run > maxRun {
					continue
				}
			} else {
				prev = r
				run = 1
			}
			b.WriteRune(r)
		}
		// collapse whitespace runs that survive as alternating spaces
		return strings.Join(strings.Fields(b.String()), " ")
	}

	if len(protect) == 0 {
		return collapse(text)
	}

	// shield protected words, collapse the rest, then restore
	type token struct{ tag, word string }
	var tokens []token
	tmp := text
	for w := range protect {
		if w == "" {
			continue
		}
		// byte indexes into the folded string must line up with the original
		folded := foldCase(tmp)
		if len(folded) != len(tmp) {
			folded = tmp
		}
		idx := strings.Index(folded, w)
		for idx >= 0 && idx+len(w) <= len(tmp) {
			orig := tmp[idx : idx+len(w)]
			tag := "\x01" + strconv.Itoa(len(tokens)) + "\x02"
			tokens = append(tokens, token{tag: tag, word: orig})
			tmp = tmp[:idx] + tag + tmp[idx+len(w):]
			folded = foldCase(tmp)
			if len(folded) != len(tmp) {
				folded = tmp
			}
			idx = strings.Index(folded, w)
		}
	}
	tmp = collapse(tmp)
	for _, t := range tokens {
		tmp = strings.Replace(tmp, t.tag, t.word, 1)
	}
	return tmp
}

// CollapseRepeatedPhrases folds machine repetitions of hotwords (four or
// more in a row, separated by spaces or 、) down to two, and compresses
// comma lists dominated by a single token.
func CollapseRepeatedPhrases(text string, hotwords []string) string {
	if text == "" {
		return text
	}

	out := text
	for _, h := range hotwords {
		if h == "" {
			continue
		}
		esc := regexp.QuoteMeta(h)
		re, err := regexp.Compile(`(?:` + esc + `[\s、,]*){` + strconv.Itoa(hotwordRepeatLimit) + `,}`)
		if err != nil {
			continue
		}
		out = re.ReplaceAllString(out, h+"、"+h)
	}

	return normalizeCommaList(out)
}

// normalizeCommaList dedups adjacent repeated tokens in a comma-separated
// list and, when one token makes up 90%+ of a long list, keeps just that one.
func normalizeCommaList(t string) string {
	if !strings.ContainsAny(t, "、,") {
		return t
	}
	parts := strings.FieldsFunc(t, func(r rune) bool {
		return r == '、' || r == ',' || r == '・' || unicode.IsSpace(r)
	})
	if len(parts) < 2 {
		return t
	}

	var deduped []string
	last := ""
	run := 0
	for _, p := range parts {
		if p == last {
			run++
			if run <= 1 {
				deduped = append(deduped, p)
			}
		} else {
			last = p
			run = 0
			deduped = append(deduped, p)
		}
	}

	if len(deduped) >= 6 {
		freq := map[string]int{}
		top, topCount := "", 0
		for _, p := range deduped {
			freq[p]++
			if freq[p] > topCount {
				top, topCount = p, freq[p]
			}
		}
		if float64(topCount)/float64(len(deduped)) >= 0.9 {
			return top
		}
	}

	return strings.Join(deduped, "、")
}

// StripClosers removes configured sign-off boilerplate from the end of text.
func StripClosers(text string, closers []string) string {
	out := strings.TrimSpace(text)
	for _, c := range closers {
		trimmed := strings.TrimRight(out, trailingPunct)
		if strings.HasSuffix(trimmed, c) {
			out = strings.TrimSpace(strings.TrimSuffix(trimmed, c))
		}
	}
	return out
}

// FuzzyPeopleReplace corrects near-miss renderings of known names: any token
// within edit distance 1 of a name or alias (case/script folded) is replaced
// by the canonical name. Exact alias hits are replaced too.
func FuzzyPeopleReplace(text string, people []Person) string {
	if text == "" || len(people) == 0 {
		return text
	}

	out := text
	// exact alias -> canonical first
	for _, p := range people {
		if p.Name == "" {
			continue
		}
		for _, a := range p.Aliases {
			if a != "" && a != p.Name {
				out = strings.ReplaceAll(out, a, p.Name)
			}
		}
	}

	// fuzzy pass over space-delimited tokens
	fields := strings.Fields(out)
	changed := false
	for i, f := range fields {
		word := strings.TrimFunc(f, unicode.IsPunct)
		if word == "" {
			continue
		}
		folded := foldCase(word)
		replaced := false
		for _, p := range people {
			if p.Name == "" || word == p.Name {
				continue
			}
			for _, cand := range append([]string{p.Name}, p.Aliases...) {
				fc := foldCase(cand)
				if len([]rune(fc)) < 3 {
					continue
				}
				if editDistance(folded, fc, 1) <= 1 {
					fields[i] = strings.Replace(f, word, p.Name, 1)
					replaced = true
					changed = true
					break
				}
			}
			if replaced {
				break
			}
		}
	}
	if changed {
		out = strings.Join(fields, " ")
	}
	return out
}

// Canonicalize normalizes text for duplicate comparison: whitespace and
// common punctuation removed, case folded.
func Canonicalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		switch r {
		case '、', '。', ',', '．', '，', '.':
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// foldCase lowercases and folds katakana to hiragana so script variants of
// the same name compare equal.
func foldCase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if r >= 0x30A1 && r <= 0x30F6 { // katakana -> hiragana
			r -= 0x60
		}
		b.WriteRune(r)
	}
	return b.String()
}

// editDistance computes Levenshtein distance between a and b, bailing out
// with bound+1 once the distance is certain to exceed bound.
func editDistance(a, b string, bound int) int {
	ra, rb := []rune(a), []rune(b)
	if abs(len(ra)-len(rb)) > bound {
		return bound + 1
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		rowMin := cur[0]
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min3(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
			if cur[j] < rowMin {
				rowMin = cur[j]
			}
		}
		if rowMin > bound {
			return bound + 1
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
