package sessions

import (
	"unicode/utf8"

	"github.com/first-fluke/cratos/pkg/models"
)

// tokensPerChar is a conservative estimate of tokens per character, used in
// the absence of a provider-specific tokenizer.
const tokensPerChar = 0.25

// messageOverheadTokens accounts for the role marker and formatting
// surrounding a message's content when a provider serializes it.
const messageOverheadTokens = 4

// CountTokens estimates the token cost of a single message: its content
// plus a per-message overhead for role and formatting. Tool call arguments
// and image references are not separately counted, so a message carrying
// them is estimated below its real cost and the trimmer can keep slightly
// more than the budget actually allows.
func CountTokens(msg models.Message) int {
	return estimateTokens(msg.Content) + messageOverheadTokens
}

func estimateTokens(text string) int {
	chars := utf8.RuneCountInString(text)
	if chars == 0 {
		return 0
	}
	tokens := int(float64(chars) * tokensPerChar)
	if tokens == 0 {
		return 1
	}
	return tokens
}
