package conversation

import "strings"

// Cheap deterministic emotion tagging; feeds the profile's emotional
// history without an extra model call.
var emotionKeywords = map[string][]string{
	"happy":   {"happy", "glad", "great", "wonderful", "grateful", "excited", "joy"},
	"sad":     {"sad", "down", "lonely", "miserable", "depressed", "crying", "hopeless"},
	"anxious": {"anxious", "worried", "nervous", "scared", "panic", "overwhelmed", "stressed"},
	"angry":   {"angry", "furious", "frustrated", "annoyed", "mad at"},
	"tired":   {"tired", "exhausted", "drained", "burned out", "can't sleep"},
}

// Reactions carry mood too.
var reactionEmotions = map[string]string{
	"❤️": "happy", "♥️": "happy", "😊": "happy", "😄": "happy", "👍": "happy",
	"😢": "sad", "😭": "sad", "💔": "sad",
	"😡": "angry", "😠": "angry",
	"😰": "anxious", "😨": "anxious",
}

func tagEmotion(text string) string {
	lower := strings.ToLower(text)
	for _, tag := range []string{"anxious", "sad", "angry", "tired", "happy"} {
		for _, kw := range emotionKeywords[tag] {
			if strings.Contains(lower, kw) {
				return tag
			}
		}
	}
	return ""
}

func tagReaction(emoji string) string {
	return reactionEmotions[strings.TrimSpace(emoji)]
}
