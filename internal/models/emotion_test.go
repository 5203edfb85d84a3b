package models

import "testing"

func TestParseEmotion(t *testing.T) {
	cases := map[string]Emotion{
		"happy":       EmotionHappy,
		"  Surprise ": EmotionSurprise,
		"NEUTRAL.":    EmotionNeutral,
		"\"fear\"":    EmotionFear,
	}
	for in, want := range cases {
		got, ok := ParseEmotion(in)
		if !ok || got != want {
			t.Fatalf("ParseEmotion(%q) = %q, %v; want %q", in, got, ok, want)
		}
	}
	for _, in := range []string{"", "joy", "no_face", "happy sad"} {
		if _, ok := ParseEmotion(in); ok {
			t.Fatalf("ParseEmotion(%q) should fail", in)
		}
	}
}
