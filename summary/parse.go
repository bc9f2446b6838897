package summary

import "strings"

// parseCompletion splits a "SUMMARY: ... / ACTION ITEMS: - ..." completion.
// Text outside either section is ignored; "None" style items are dropped.
func parseCompletion(text string) (string, []string) {
	var (
		summary []string
		items   []string
		section string
	)

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		upper := strings.ToUpper(line)

		switch {
		case strings.HasPrefix(upper, "SUMMARY:"):
			section = "summary"
			if rest := strings.TrimSpace(line[len("SUMMARY:"):]); rest != "" {
				summary = append(summary, rest)
			}
		case strings.HasPrefix(upper, "ACTION ITEMS:"):
			section = "items"
		case section == "summary" && line != "" && !strings.HasPrefix(line, "-"):
			summary = append(summary, line)
		case section == "items" && strings.HasPrefix(line, "-"):
			item := strings.TrimSpace(strings.TrimPrefix(line, "-"))
			switch strings.ToLower(strings.TrimSuffix(item, ".")) {
			case "", "none", "none mentioned":
				continue
			}
			items = append(items, item)
		}
	}
	return strings.Join(summary, " "), items
}
