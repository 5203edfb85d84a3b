package models

import "strings"

// Emotion is one of the seven facial-expression classes.
type Emotion string

const (
	EmotionAngry    Emotion = "angry"
	EmotionDisgust  Emotion = "disgust"
	EmotionFear     Emotion = "fear"
	EmotionHappy    Emotion = "happy"
	EmotionSad      Emotion = "sad"
	EmotionSurprise Emotion = "surprise"
	EmotionNeutral  Emotion = "neutral"
)

// Emotions lists every label in a stable order.
var Emotions = []Emotion{
	EmotionAngry,
	EmotionDisgust,
	EmotionFear,
	EmotionHappy,
	EmotionSad,
	EmotionSurprise,
	EmotionNeutral,
}

// ParseEmotion normalizes raw classifier output into a label.
func ParseEmotion(raw string) (Emotion, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	raw = strings.Trim(raw, ".\"'`")
	for _, e := range Emotions {
		if raw == string(e) {
			return e, true
		}
	}
	return "", false
}
