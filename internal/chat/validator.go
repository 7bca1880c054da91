package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

const MaxIDBytes = 128

// ErrEmptyContent is returned for messages that are empty or whitespace only.
var ErrEmptyContent = errors.New("message text is empty")

// ErrInvalidID is returned for user or thread ids that cannot be used as a
// routing token.
var ErrInvalidID = errors.New("invalid id")

// ValidateMessage checks that a chat message meets content requirements.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyContent
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	return nil
}

// ValidateID checks that id can be embedded in a broker subject: non-empty,
// at most MaxIDBytes, and free of whitespace and the subject characters
// '.', '*' and '>'.
func ValidateID(id string) error {
	if id == "" || len(id) > MaxIDBytes {
		return ErrInvalidID
	}
	for _, r := range id {
		if r == '.' || r == '*' || r == '>' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
	}
	return nil
}
