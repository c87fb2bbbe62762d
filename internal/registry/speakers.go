package registry

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
)

// Profile is the display and language identity of one known speaker.
type Profile struct {
	Name        string `json:"name"`
	Side        string `json:"side,omitempty"`  // overlay placement, e.g. "left"
	Color       string `json:"color,omitempty"` // css color for the caption
	Lang        string `json:"lang,omitempty"`
	TranslateTo string `json:"translateTo,omitempty"`
}

type speakersFile struct {
	Speakers map[string]Profile `json:"speakers"`
}

// Speakers maps platform user ids to profiles. Unknown speakers get a
// generated fallback name so captions are never anonymous.
type Speakers struct {
	mu   sync.RWMutex
	byID map[string]Profile

	DefaultLang        string
	DefaultTranslateTo string
}

// LoadSpeakers reads the profile table. A missing file is not an error;
// every speaker then gets the fallback profile.
func LoadSpeakers(path string) *Speakers {
	s := &Speakers{byID: make(map[string]Profile)}
	if path == "" {
		return s
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", path).Msg("Failed to read speakers file")
		}
		return s
	}
	var f speakersFile
	if err := json.Unmarshal(data, &f); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to parse speakers file")
		return s
	}
	if f.Speakers != nil {
		s.byID = f.Speakers
	}
	log.Info().Int("speakers", len(s.byID)).Msg("Loaded speaker profiles")
	return s
}

// Lookup returns the profile for userID. displayName, when known from the
// platform, beats the generated fallback for unprofiled speakers.
func (s *Speakers) Lookup(userID, displayName string) Profile {
	s.mu.RLock()
	p, ok := s.byID[userID]
	s.mu.RUnlock()

	if !ok {
		p = Profile{Name: displayName}
		if p.Name == "" {
			p.Name = fallbackName(userID)
		}
	}
	if p.Lang == "" {
		p.Lang = s.DefaultLang
	}
	if p.TranslateTo == "" {
		p.TranslateTo = s.DefaultTranslateTo
	}
	return p
}

func fallbackName(userID string) string {
	tail := userID
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	return "User " + tail
}
