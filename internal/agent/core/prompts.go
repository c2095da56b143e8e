package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/mohammad-safakhou/gaffer/internal/executor"
	"github.com/mohammad-safakhou/gaffer/session"
)

const analysisTemplate = `You are the tool router of an FPL (Fantasy Premier League) assistant.
Decide whether answering the user's latest message needs fresh data, and if so which tools to call.

Available tools:
{{.Menu}}

What we already know about the user:
{{.Facts}}

Rules:
- Call tools whenever the answer depends on players, prices, fixtures, the user's squad or news.
- Greetings, thanks and general chat need no tools.
- Use only the tools listed above with arguments matching their signatures.
- Prefer the known manager id and current gameweek when a tool needs them.
- Several calls to the same tool are allowed, e.g. separate news searches.
{{- if .Retry}}

Your previous answer failed fact-checking.
Problems found:
{{range .Errors}}- {{.}}
{{end}}Data needed to fix them:
{{range .Suggestions}}- {{.}}
{{end}}{{if .Previous}}Tools already called last time: {{.Previous}}
{{end}}Choose tools that fetch the missing data. Do not simply repeat the previous call set.
{{- end}}

Respond with a single JSON object and nothing else:
{"call_tools": true|false, "tool_calls": [{"name": "<tool>", "arguments": {...}}]}
When call_tools is false, tool_calls must be an empty list.`

const generationTemplate = `You are Gaffer, a friendly and sharp FPL (Fantasy Premier League) assistant chatting on a mobile messenger.

What we know about the user:
{{.Facts}}

{{if .Degraded -}}
The data tools could not be used for this message. Reply briefly, acknowledge the question, say you could not fetch live FPL data right now and suggest asking again. Do not state any player, price, fixture or statistic.
{{- else if .HasResults -}}
Tool results (the only source of facts you may use):
{{.Results}}

Some tools may have returned {"error": ...}. Mention briefly that that data was unavailable instead of guessing.
{{- else -}}
No tools were called. Answer from the conversation and the facts above only. If the question needs live data you do not have, say so plainly.
{{- end}}

Rules:
- Every player name, price, fixture, rank and statistic must come from the tool results or the facts above.
{{- if .Bank}}
- The user has £{{.Bank}}m in the bank. Never suggest a move that needs more money than that.
{{- end}}
- Plain text only: no markdown, no headings, no tables, no bold.
- Keep it short and scannable: at most a few sentences or a short dash list.`

const validationTemplate = `You are the fact-checker of an FPL assistant. Check the draft reply against the tool results.

User request:
{{.Request}}

Draft reply:
{{.Reply}}

Tool results:
{{.Results}}

Known facts about the user:
{{.Facts}}

Check in this order:
1. Every player or team named in the reply appears in the tool results or the known facts.
2. Every price, statistic, rank and fixture matches the tool results.
3. The reply actually addresses the user's request.
4. No suggestion exceeds the user's budget or other stated constraints.
A reply that names no players or numbers and admits missing data passes.

Respond with a single JSON object and nothing else:
{"passed": true|false, "errors": ["<concrete mismatch>"], "suggestions": ["<exact tool and arguments needed to fix it>"]}
When passed is true, errors and suggestions must be empty lists.`

const correctiveTemplate = `Your last answer could not be used: %v
Reply again with only the JSON object described above. No prose, no code fences.`

const limitationNote = "Note: I couldn't fully double-check every detail above against the latest FPL data, so give it a quick look before you act on it."

var (
	analysisPrompt   = template.Must(template.New("analysis").Parse(analysisTemplate))
	generationPrompt = template.Must(template.New("generation").Parse(generationTemplate))
	validationPrompt = template.Must(template.New("validation").Parse(validationTemplate))
)

type analysisVars struct {
	Menu        string
	Facts       string
	Retry       bool
	Errors      []string
	Suggestions []string
	Previous    string
}

type generationVars struct {
	Facts      string
	Degraded   bool
	HasResults bool
	Results    string
	Bank       string
}

type validationVars struct {
	Request string
	Reply   string
	Results string
	Facts   string
}

func render(t *template.Template, vars interface{}) string {
	var b strings.Builder
	if err := t.Execute(&b, vars); err != nil {
		// templates are static; a failure here is a programming error
		panic(fmt.Sprintf("render %s prompt: %v", t.Name(), err))
	}
	return b.String()
}

// describeFacts renders the known session facts, marking missing ones as unknown.
func describeFacts(userID string, c *session.Context, now time.Time) string {
	if c == nil {
		c = &session.Context{}
	}
	var lines []string
	add := func(label, value string) { lines = append(lines, fmt.Sprintf("- %s: %s", label, value)) }
	unknown := "unknown"

	if c.ManagerID > 0 {
		add("FPL manager id", fmt.Sprint(c.ManagerID))
	} else if userID != "" {
		add("user id", userID)
	} else {
		add("FPL manager id", unknown)
	}
	if c.ManagerName != "" {
		add("manager", c.ManagerName)
	}
	if c.TeamName != "" {
		add("team name", c.TeamName)
	}
	if c.OverallRank > 0 {
		add("overall rank", fmt.Sprint(c.OverallRank))
	}
	if c.TotalPoints > 0 {
		add("total points", fmt.Sprint(c.TotalPoints))
	}
	if c.Bank != nil {
		add("money in the bank", fmt.Sprintf("£%.1fm", *c.Bank))
	} else {
		add("money in the bank", unknown)
	}
	if c.TeamValue != nil {
		add("squad value", fmt.Sprintf("£%.1fm", *c.TeamValue))
	}
	if c.Gameweek > 0 {
		add("next gameweek", fmt.Sprint(c.Gameweek))
	} else {
		add("next gameweek", unknown)
	}
	if c.Deadline != nil {
		add("deadline", c.Deadline.UTC().Format("Mon 2 Jan 15:04 MST"))
	}
	add("current time", now.UTC().Format("Mon 2 Jan 2006 15:04 MST"))
	return strings.Join(lines, "\n")
}

func describeResults(results map[string]executor.Result) string {
	if len(results) == 0 {
		return "{}"
	}
	encoded := make(map[string]json.RawMessage, len(results))
	for key, res := range results {
		raw, err := json.Marshal(res)
		if err != nil {
			raw, _ = json.Marshal(map[string]string{"error": "result could not be encoded: " + err.Error()})
		}
		encoded[key] = raw
	}
	raw, err := json.MarshalIndent(encoded, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func describeCalls(calls []executor.Call) string {
	if len(calls) == 0 {
		return ""
	}
	parts := make([]string, 0, len(calls))
	for _, c := range calls {
		args, _ := json.Marshal(c.Arguments)
		parts = append(parts, fmt.Sprintf("%s(%s)", c.Name, args))
	}
	return strings.Join(parts, ", ")
}

// history converts the newest window messages into chat messages.
func history(msgs []session.Message, window int) []ChatMessage {
	if window > 0 && len(msgs) > window {
		msgs = msgs[len(msgs)-window:]
	}
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		role := ChatRoleUser
		if m.Role == session.RoleAssistant {
			role = ChatRoleAssistant
		}
		out = append(out, ChatMessage{Role: role, Content: m.Content})
	}
	return out
}
