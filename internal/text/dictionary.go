package text

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Person maps recognizer-mangled aliases back to a canonical display name.
type Person struct {
	Name    string   `json:"name"`
	Aliases []string `json:"aliases"`
}

// ReplaceRule is a literal or regex substitution applied to recognized text.
type ReplaceRule struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Regex bool   `json:"regex"`
}

type dictFile struct {
	People  []Person      `json:"people"`
	Replace []ReplaceRule `json:"replace"`
}

type compiledRule struct {
	re  *regexp.Regexp
	str string
	to  string
}

// Dictionary loads people and replacement rules from a JSON file and applies
// them to recognizer output. The file is re-read when its mtime changes, so
// edits take effect without a restart. A missing file yields an empty
// dictionary, not an error.
type Dictionary struct {
	path string

	mu      sync.Mutex
	mtime   int64
	people  []Person
	rules   []compiledRule
	protect map[string]struct{}
}

func NewDictionary(path string) *Dictionary {
	return &Dictionary{path: path}
}

func (d *Dictionary) reload() {
	var mtime int64
	if st, err := os.Stat(d.path); err == nil {
		mtime = st.ModTime().UnixNano()
	}
	if d.people != nil && mtime == d.mtime {
		return
	}
	d.mtime = mtime

	d.people = []Person{}
	d.rules = nil
	d.protect = map[string]struct{}{}

	raw, err := os.ReadFile(d.path)
	if err != nil {
		return
	}

	var f dictFile
	if err := json.Unmarshal(stripJSONComments(raw), &f); err != nil {
		log.Warn().Err(err).Str("path", d.path).Msg("Failed to parse dictionary")
		return
	}

	d.people = f.People
	for _, p := range f.People {
		if p.Name != "" {
			d.protect[foldCase(p.Name)] = struct{}{}
		}
		for _, a := range p.Aliases {
			if a != "" {
				d.protect[foldCase(a)] = struct{}{}
			}
		}
	}

	for _, r := range f.Replace {
		if r.From == "" {
			continue
		}
		if r.Regex {
			re, err := regexp.Compile(r.From)
			if err != nil {
				log.Warn().Err(err).Str("pattern", r.From).Msg("Bad dictionary regex, using literal match")
				d.rules = append(d.rules, compiledRule{str: r.From, to: r.To})
				continue
			}
			d.rules = append(d.rules, compiledRule{re: re, to: r.To})
		} else {
			d.rules = append(d.rules, compiledRule{str: r.From, to: r.To})
		}
	}

	log.Info().
		Int("people", len(d.people)).
		Int("replace", len(d.rules)).
		Str("path", d.path).
		Msg("Loaded dictionary")
}

// Apply runs all replacement rules over text.
func (d *Dictionary) Apply(text string) string {
	if text == "" {
		return text
	}
	d.mu.Lock()
	d.reload()
	rules := d.rules
	d.mu.Unlock()

	out := text
	for _, r := range rules {
		if r.re != nil {
			out = r.re.ReplaceAllString(out, r.to)
		} else {
			out = strings.ReplaceAll(out, r.str, r.to)
		}
	}
	return out
}

// People returns the known-names list.
func (d *Dictionary) People() []Person {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reload()
	return d.people
}

// ProtectSet returns case-folded names and aliases that sanitization must not
// mangle.
func (d *Dictionary) ProtectSet() map[string]struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reload()
	return d.protect
}

// HotwordPrompt builds an initial-prompt string listing the known proper
// nouns, repeated to bias the recognizer toward them.
func (d *Dictionary) HotwordPrompt(repeats int) string {
	if repeats < 1 {
		repeats = 1
	}
	people := d.People()

	seen := map[string]struct{}{}
	var names []string
	add := func(n string) {
		n = strings.TrimSpace(n)
		if n == "" {
			return
		}
		if _, ok := seen[n]; ok {
			return
		}
		seen[n] = struct{}{}
		names = append(names, n)
	}
	for _, p := range people {
		add(p.Name)
		for _, a := range p.Aliases {
			add(a)
		}
	}
	if len(names) == 0 {
		return ""
	}

	base := fmt.Sprintf("固有名詞: %s", strings.Join(names, ", "))
	parts := make([]string, repeats)
	for i := range parts {
		parts[i] = base
	}
	return strings.Join(parts, "。") + "。"
}

// stripJSONComments removes /* */ and // comments plus trailing commas so a
// hand-edited JSONC dictionary still parses.
func stripJSONComments(b []byte) []byte {
	var out []byte
	inStr := false
	escaped := false
	for i := 0; i < len(b); i++ {
		c := b[i]
		if inStr {
			out = append(out, c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inStr = false
			}
			continue
		}
		switch {
		case c == '"':
			inStr = true
			out = append(out, c)
		case c == '/' && i+1 < len(b) && b[i+1] == '/':
			for i < len(b) && b[i] != '\n' {
				i++
			}
			if i < len(b) {
				out = append(out, '\n')
			}
		case c == '/' && i+1 < len(b) && b[i+1] == '*':
			i += 2
			for i+1 < len(b) && !(b[i] == '*' && b[i+1] == '/') {
				i++
			}
			i++
		case c == ',':
			// drop the comma if the next non-space char closes a container
			j := i + 1
			for j < len(b) && (b[j] == ' ' || b[j] == '\t' || b[j] == '\n' || b[j] == '\r') {
				j++
			}
			if j < len(b) && (b[j] == '}' || b[j] == ']') {
				continue
			}
			out = append(out, c)
		default:
			out = append(out, c)
		}
	}
	return out
}
