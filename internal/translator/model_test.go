package translator

import "testing"

func TestResolveModel(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"claude-sonnet-4-20250514", variantSonnet},
		{"claude-opus-4-1", variantOpus},
		{"claude-3-5-haiku-20241022", variantHaiku},
		{"CLAUDE-OPUS-UPPER", variantOpus},
		{"some-unknown-model", variantSonnet},
	}
	for _, c := range cases {
		if got := ResolveModel(c.in); got != c.want {
			t.Errorf("ResolveModel(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
