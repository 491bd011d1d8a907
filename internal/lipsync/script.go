package lipsync

import (
	"math/rand"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Viseme is a mouth shape: the parameter it drives and how far it opens,
// as a fraction of that parameter's range.
type Viseme struct {
	Name  string
	Param string // empty drives the model's first lip-sync parameter
	Open  float32
}

// Vowel visemes use the standard Cubism vowel parameters. Models without
// them fall back to the lip-sync parameter.
var (
	VisemeA = Viseme{Name: "a", Param: "ParamA", Open: 1}
	VisemeI = Viseme{Name: "i", Param: "ParamI", Open: 0.5}
	VisemeU = Viseme{Name: "u", Param: "ParamU", Open: 0.4}
	VisemeE = Viseme{Name: "e", Param: "ParamE", Open: 0.7}
	VisemeO = Viseme{Name: "o", Param: "ParamO", Open: 0.8}
	Silence = Viseme{Name: "sil", Open: 0.15}
)

// Pulse opens one viseme for Duration starting at Start.
type Pulse struct {
	Token    string
	Viseme   Viseme
	Start    time.Duration
	Duration time.Duration
}

// End returns when the pulse is over.
func (p Pulse) End() time.Duration { return p.Start + p.Duration }

// Schedule is the timeline of one utterance. End includes trailing pauses.
type Schedule struct {
	Pulses []Pulse
	End    time.Duration
}

// Plan turns text into a viseme timeline. Each whitespace separated token
// with letters gets one pulse sized by its length; tokens ending in
// punctuation add a pause. rng jitters pulse lengths and may be nil.
func Plan(text string, cfg Config, rng *rand.Rand) Schedule {
	var s Schedule
	var at time.Duration
	for _, tok := range strings.Fields(text) {
		if n := letters(tok); n > 0 {
			d := time.Duration(n) * cfg.PerChar
			if cfg.Jitter > 0 && rng != nil {
				d = time.Duration(float64(d) * (1 + (rng.Float64()*2-1)*cfg.Jitter))
			}
			d = min(max(d, cfg.MinPulse), cfg.MaxPulse)
			s.Pulses = append(s.Pulses, Pulse{Token: tok, Viseme: visemeFor(tok), Start: at, Duration: d})
			at += d + cfg.Gap
		}
		at += pauseAfter(tok, cfg)
	}
	s.End = at
	return s
}

func letters(tok string) int {
	n := 0
	for _, r := range tok {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			n++
		}
	}
	return n
}

// visemeFor picks the shape of the token's first vowel, ignoring accents.
func visemeFor(tok string) Viseme {
	for _, r := range fold(tok) {
		switch unicode.ToLower(r) {
		case 'a':
			return VisemeA
		case 'e':
			return VisemeE
		case 'i', 'y':
			return VisemeI
		case 'o':
			return VisemeO
		case 'u':
			return VisemeU
		}
	}
	return Silence
}

func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func pauseAfter(tok string, cfg Config) time.Duration {
	trimmed := strings.TrimRightFunc(tok, func(r rune) bool { return r == '"' || r == '\'' || r == ')' })
	if trimmed == "" {
		return 0
	}
	switch trimmed[len(trimmed)-1] {
	case ',', ';', ':':
		return cfg.ShortPause
	case '.', '!', '?':
		return cfg.LongPause
	}
	if strings.HasSuffix(trimmed, "…") {
		return cfg.LongPause
	}
	return 0
}
