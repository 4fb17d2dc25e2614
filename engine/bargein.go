package engine

import (
	"strings"
	"unicode"
)

// backchannels are listener noises that do not take the floor.
var backchannels = map[string]bool{
	"uh":     true,
	"um":     true,
	"umm":    true,
	"mm":     true,
	"mmm":    true,
	"hmm":    true,
	"mhm":    true,
	"uh-huh": true,
	"uhhuh":  true,
	"mm-hmm": true,
	"ah":     true,
	"oh":     true,
	"er":     true,
	"erm":    true,
	"huh":    true,
}

// significant reports whether interim text is real speech that should stop
// the agent: at least minWords words that are not backchannel.
func significant(text string, minWords int) bool {
	if minWords < 1 {
		minWords = 1
	}
	words := 0
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.TrimFunc(w, func(r rune) bool {
			return unicode.IsPunct(r) && r != '-'
		})
		if w == "" || backchannels[w] {
			continue
		}
		words++
		if words >= minWords {
			return true
		}
	}
	return false
}
