package battle

import "strings"

const (
	battleCodeLength   = 8
	battleCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	// codeGenerationAttempts bounds the collision retry loop during creation.
	codeGenerationAttempts = 10
)

// newBattleCode samples an 8-character human-shareable join code from the
// A-Z0-9 alphabet. Uniqueness is enforced by the caller against the store.
func newBattleCode(intn func(int) int) string {
	var builder strings.Builder
	builder.Grow(battleCodeLength)
	for index := 0; index < battleCodeLength; index++ {
		builder.WriteByte(battleCodeAlphabet[intn(len(battleCodeAlphabet))])
	}
	return builder.String()
}

// NormalizeBattleCode folds client input into the canonical code form.
func NormalizeBattleCode(rawInput string) string {
	return strings.ToUpper(strings.TrimSpace(rawInput))
}
