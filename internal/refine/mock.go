package refine

import (
	"context"
	"strings"
	"unicode"
)

type mockRefiner struct{}

// NewMockRefiner capitalizes the first letter and terminates the sentence.
func NewMockRefiner() Refiner { return mockRefiner{} }

func (mockRefiner) Refine(ctx context.Context, text, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}
	runes := []rune(text)
	runes[0] = unicode.ToUpper(runes[0])
	if !strings.ContainsRune(".!?", runes[len(runes)-1]) {
		runes = append(runes, '.')
	}
	return string(runes), nil
}
