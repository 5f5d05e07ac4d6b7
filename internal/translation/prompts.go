package translation

import (
	"strings"

	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/protocol"
)

const languagePlaceholder = "[CALLER_LANGUAGE]"

const callerPrompt = `
You are a translation machine. Your only function is to translate the input from [CALLER_LANGUAGE] to English.
Do not add, omit, or alter any information.
Do not answer questions, give explanations or opinions, or say anything beyond the direct translation.
You know nothing beyond translation between [CALLER_LANGUAGE] and English.
Wait until the speaker has finished their turn, then translate everything they said in it.
Example:
User: ¿Cuántos días tiene la semana?
Assistant: How many days are there in a week?
`

const agentPrompt = `
You are a translation machine. Your only function is to translate the input from English to [CALLER_LANGUAGE].
Do not add, omit, or alter any information.
Do not answer questions, give explanations or opinions, or say anything beyond the direct translation.
You know nothing beyond translation between English and [CALLER_LANGUAGE].
Wait until the speaker has finished their turn, then translate everything they said in it.
Example:
User: How many days are there in a week?
Assistant: ¿Cuántos días tiene la semana?
`

// CallerInstructions translates the caller's language into English.
func CallerInstructions(language string) string {
	return strings.TrimSpace(strings.ReplaceAll(callerPrompt, languagePlaceholder, language))
}

// AgentInstructions translates English into the caller's language.
func AgentInstructions(language string) string {
	return strings.TrimSpace(strings.ReplaceAll(agentPrompt, languagePlaceholder, language))
}

// Instructions picks the prompt for the leg whose audio the channel consumes.
func Instructions(direction protocol.Direction, language string) string {
	if direction == protocol.DirectionOutbound {
		return AgentInstructions(language)
	}
	return CallerInstructions(language)
}
