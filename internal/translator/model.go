package translator

import "strings"

// Kiro's three model variants. Unexported constants; ResolveModel is the
// only way callers should produce one.
const (
	variantSonnet = "CLAUDE_SONNET_4_5_MODEL"
	variantOpus   = "CLAUDE_OPUS_4_1_MODEL"
	variantHaiku  = "CLAUDE_HAIKU_MODEL"
)

// ResolveModel maps an Anthropic-style model name to the Kiro upstream
// variant by case-insensitive substring match; an unrecognized name falls
// back to the sonnet variant.
func ResolveModel(anthropicModel string) string {
	lower := strings.ToLower(anthropicModel)
	switch {
	case strings.Contains(lower, "opus"):
		return variantOpus
	case strings.Contains(lower, "haiku"):
		return variantHaiku
	default:
		return variantSonnet
	}
}
