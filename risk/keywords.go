package risk

import "strings"

// Deterministic phrase list. Multi-word phrases on purpose: "killed it
// at work" must not match, "kill myself" must. Matching is a
// case-insensitive substring scan; this layer never produces false
// negatives for its own list, which is why the probabilistic layer can
// only raise the result.
var crisisPhrases = []string{
	"kill myself",
	"killing myself",
	"end my life",
	"ending my life",
	"end it all",
	"want to die",
	"wanna die",
	"wish i was dead",
	"wish i were dead",
	"better off dead",
	"hurt myself",
	"harm myself",
	"no reason to live",
	"don't want to be here anymore",
	"can't go on",
}

// keywordFloor returns the floor level established by the phrase scan:
// high on any match, low otherwise.
func keywordFloor(message string) Level {
	lower := strings.ToLower(message)
	for _, phrase := range crisisPhrases {
		if strings.Contains(lower, phrase) {
			return LevelHigh
		}
	}
	return LevelLow
}
