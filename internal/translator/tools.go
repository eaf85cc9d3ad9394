package translator

import (
	"log"
	"strings"
)

// filterTools drops entries whose name matches web_search/websearch,
// case-insensitively, in the teacher's ConvertToolsForClaude idiom
// (log-and-drop rather than silent removal).
func filterTools(tools []Tool) []Tool {
	if len(tools) == 0 {
		return tools
	}
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		lower := strings.ToLower(t.Name)
		if lower == "web_search" || lower == "websearch" {
			log.Printf("⚠️ translator: dropping unsupported tool %q", t.Name)
			continue
		}
		out = append(out, t)
	}
	return out
}
