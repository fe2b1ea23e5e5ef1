package analysis

import (
	"context"
	"strings"
)

// Emotion tags the mood an avatar should perform a line with.
type Emotion string

const (
	EmotionNeutral Emotion = "neutral"
	EmotionHappy   Emotion = "happy"
	EmotionSad     Emotion = "sad"
	EmotionAngry   Emotion = "angry"
	EmotionFear    Emotion = "fear"
	EmotionDisgust Emotion = "disgust"
	EmotionLove    Emotion = "love"
)

var known = map[Emotion]struct{}{
	EmotionNeutral: {},
	EmotionHappy:   {},
	EmotionSad:     {},
	EmotionAngry:   {},
	EmotionFear:    {},
	EmotionDisgust: {},
	EmotionLove:    {},
}

// ParseEmotion maps free text onto a known emotion, neutral when unrecognised.
func ParseEmotion(s string) Emotion {
	e := Emotion(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := known[e]; ok {
		return e
	}
	return EmotionNeutral
}

// Result is the analyzer output: the mood and a more speakable rewrite.
type Result struct {
	Emotion Emotion
	Summary string
}

// Analyzer rewrites text into a speakable form and tags it with an emotion.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, text string) (Result, error)
}

// Fallback is what callers use when analysis fails.
func Fallback(text string) Result {
	return Result{Emotion: EmotionNeutral, Summary: text}
}
