package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 16384
	MaxTextChars    = 4000
	MaxReasonChars  = 255
	MaxReactionLen  = 32
)

// ValidateMessage checks that message content meets length and encoding
// requirements. Errors wrap ErrInvalidContent.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: message text is empty", ErrInvalidContent)
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("%w: message exceeds %d byte limit", ErrInvalidContent, MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: message contains invalid UTF-8", ErrInvalidContent)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: message exceeds %d character limit", ErrInvalidContent, MaxTextChars)
	}
	return nil
}

// ValidateReaction checks a reaction type such as "like" or an emoji.
func ValidateReaction(reaction string) error {
	if strings.TrimSpace(reaction) == "" {
		return fmt.Errorf("%w: reaction is empty", ErrInvalidContent)
	}
	if utf8.RuneCountInString(reaction) > MaxReactionLen {
		return fmt.Errorf("%w: reaction exceeds %d characters", ErrInvalidContent, MaxReactionLen)
	}
	return nil
}
