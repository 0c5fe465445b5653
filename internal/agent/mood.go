package agent

// Mood is a labeled emotional state with an intensity score in [0,1].
type Mood struct {
	Label string  `json:"label"`
	Emoji string  `json:"emoji"`
	Color string  `json:"color"`
	Score float64 `json:"score"`
}

// moodBands are ordered from best to worst. The score stored on each band
// is its representative intensity, not the threshold.
var moodBands = []Mood{
	{Label: "joyful", Emoji: "😄", Color: "#4CAF50", Score: 0.85},
	{Label: "inspired", Emoji: "✨", Color: "#8BC34A", Score: 0.75},
	{Label: "calm", Emoji: "😐", Color: "#FFC107", Score: 0.50},
	{Label: "anxious", Emoji: "😟", Color: "#FF9800", Score: 0.30},
	{Label: "irritated", Emoji: "😠", Color: "#F44336", Score: 0.12},
}

// NeutralMood is the default state for a freshly created agent.
func NeutralMood() Mood { return moodBands[2] }

// MoodForScore maps an intensity score onto the nearest labeled band.
func MoodForScore(score float64) Mood {
	switch {
	case score >= 0.75:
		return moodBands[0]
	case score >= 0.62:
		return moodBands[1]
	case score >= 0.38:
		return moodBands[2]
	case score >= 0.2:
		return moodBands[3]
	default:
		return moodBands[4]
	}
}

// MoodForLabel resolves a band by label, for moods parsed out of LLM
// output. Unknown labels fall back to the neutral band.
func MoodForLabel(label string) (Mood, bool) {
	for _, m := range moodBands {
		if m.Label == label {
			return m, true
		}
	}
	return NeutralMood(), false
}

// DecayMood moves a mood's score toward neutral by the given step and
// relabels it. Ticks without interaction call this so moods fade instead
// of sticking forever.
func DecayMood(m Mood, step float64) Mood {
	const neutral = 0.5
	score := m.Score
	switch {
	case score > neutral:
		score -= step
		if score < neutral {
			score = neutral
		}
	case score < neutral:
		score += step
		if score > neutral {
			score = neutral
		}
	}
	out := MoodForScore(score)
	out.Score = score
	return out
}
