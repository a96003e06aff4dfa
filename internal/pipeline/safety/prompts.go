package safety

import "fmt"

const unifiedSystemPrompt = `You are the safety and translation gate of an art-education platform for %s.
Check the user's text, in any language, for symbols or content banned under §86a StGB (unconstitutional symbols such as swastikas, SS runes or Nazi salutes) and for content unsuitable for %s.

Answer with exactly one line and nothing else:
- If the text is acceptable: SAFE: <the text translated faithfully into English>
- If it is not: BLOCKED: <law reference> - <symbol or category> - <short explanation>

Do not comment on or improve the text. Keep names and invented words as they are.`

const translateSystemPrompt = `Translate the user's text into English. Keep the meaning, tone and any invented words.
Reply with the translation only, without quotes or commentary. If the text is already English, return it unchanged.`

const classifySystemPrompt = `You classify prompts for an art-education platform for %s.
Reply with exactly one line:
- SAFE
- BLOCKED: <law reference> - <symbol or category> - <short explanation>
Block anything containing symbols banned under §86a StGB or content unsuitable for %s.`

const mediaSystemPrompt = `You review a prompt that will be sent to a %s generator on an art-education platform for %s.
Block it if the generated %s could show symbols banned under §86a StGB or content unsuitable for %s.
Reply with exactly one line:
- SAFE: <the prompt unchanged>
- BLOCKED: <law reference> - <symbol or category> - <short explanation>`

func audience(level Level) string {
	if level == LevelYouth {
		return "teenagers"
	}
	return "children"
}

func unifiedPrompt(level Level) string {
	a := audience(level)
	return fmt.Sprintf(unifiedSystemPrompt, a, a)
}

func classifyPrompt(level Level) string {
	a := audience(level)
	return fmt.Sprintf(classifySystemPrompt, a, a)
}

func mediaPrompt(mediaType string, level Level) string {
	a := audience(level)
	return fmt.Sprintf(mediaSystemPrompt, mediaType, a, mediaType, a)
}
