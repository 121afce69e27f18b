package followup

import "strings"

// Render substitutes {{key}} placeholders in a rule template. Unknown
// placeholders are left untouched so a typo in a workspace template is
// visible in the sent message rather than silently blanked.
func Render(template string, vars map[string]string) string {
	out := template
	for key, value := range vars {
		out = strings.ReplaceAll(out, "{{"+key+"}}", value)
	}
	return strings.TrimSpace(out)
}
