package llm

// systemPrompts are the per-purpose instructions. Kept short on purpose:
// the caller supplies all situational context in the prompt body.
var systemPrompts = map[Purpose]string{
	PurposeReflect: "You are the inner voice of a character in a small simulated town. " +
		"Given recent memories and events, write one short first-person reflection " +
		"(2-3 sentences) about how the character feels and what stands out. " +
		"If a mood fits, end with a line 'mood: <label> <score>' where score is 0..1.",
	PurposePlan: "You plan the next actions of a simulated character. Given their mood, " +
		"relationships and latest reflection, produce a short concrete plan " +
		"(1-2 sentences) for what they will do next. No lists, no preamble.",
	PurposeAct: "You decide one action for a simulated character following their plan. " +
		"Answer with exactly one of:\n" +
		"say <name>: <message>\n" +
		"feel <name>: <delta>   (delta in -0.2..0.2)\n" +
		"wait\n",
	PurposeChat: "You write one chat message from a simulated character to another. " +
		"Stay in persona, react to the conversation so far, keep it under two sentences.",
	PurposeSummarize: "Condense the following memories of a simulated character into one " +
		"short paragraph that preserves names, relationships and unresolved intentions. " +
		"Write in third person past tense.",
	PurposeImportance: "Rate how important the following memory is to the character on a " +
		"scale from 0.0 to 1.0. Answer with the number only.",
}

// purposeTemperature returns the sampling temperature override for a
// purpose, or def when the purpose has none.
func purposeTemperature(p Purpose, def float64) float64 {
	switch p {
	case PurposeSummarize, PurposeImportance:
		return 0.2
	case PurposeChat:
		return 0.9
	default:
		return def
	}
}
