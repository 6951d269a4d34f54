package dispatch

import (
	"strings"
	"time"

	"sentrylink/internal/channel"
)

// Render substitutes {{key}} placeholders from vars. Unknown keys stay
// verbatim so a template mistake is visible in the delivered message instead
// of silently vanishing. This is fixed key/value substitution only; no
// conditionals, no loops.
func Render(tmpl string, vars map[string]string) string {
	var b strings.Builder
	for {
		i := strings.Index(tmpl, "{{")
		if i < 0 {
			b.WriteString(tmpl)
			break
		}
		j := strings.Index(tmpl[i:], "}}")
		if j < 0 {
			b.WriteString(tmpl)
			break
		}
		b.WriteString(tmpl[:i])
		key := strings.TrimSpace(tmpl[i+2 : i+j])
		if v, ok := vars[key]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(tmpl[i : i+j+2])
		}
		tmpl = tmpl[i+j+2:]
	}
	return b.String()
}

// lookupTemplate resolves the template for (type, channel): the
// channel-specific entry wins, then the type-wide one.
func lookupTemplate(templates map[string]string, typ string, kind channel.Kind) (string, bool) {
	if len(templates) == 0 {
		return "", false
	}
	if t, ok := templates[typ+"/"+string(kind)]; ok {
		return t, true
	}
	t, ok := templates[typ]
	return t, ok
}

// renderMessage produces the channel-ready message for one payload. Without
// a template the raw title/message pass through unchanged.
func renderMessage(p Payload, kind channel.Kind, prefs Preferences) channel.Message {
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	body := p.Message
	if tmpl, ok := lookupTemplate(prefs.Templates, p.Type, kind); ok {
		vars := make(map[string]string, len(p.Data)+4)
		for k, v := range p.Data {
			vars[k] = v
		}
		vars["title"] = p.Title
		vars["message"] = p.Message
		vars["timestamp"] = ts.Format(time.RFC3339)
		vars["dashboardUrl"] = prefs.DashboardURL
		body = Render(tmpl, vars)
	}

	return channel.Message{
		ID:        p.ID,
		Type:      p.Type,
		Title:     p.Title,
		Body:      body,
		Priority:  p.Priority.String(),
		Fields:    p.Data,
		Timestamp: ts,
		Link:      prefs.DashboardURL,
	}
}
