// Package recap parses the human-readable output of playbook runs into
// structured summaries for the read path. Parsing is done on demand when a
// task is read, never in the executor's hot loop.
package recap

import (
	"regexp"
	"strings"
)

// HostSummary is one host line of a PLAY RECAP block.
type HostSummary struct {
	Host        string `json:"host"`
	OK          int    `json:"ok"`
	Changed     int    `json:"changed"`
	Unreachable int    `json:"unreachable"`
	Failed      int    `json:"failed"`
	Skipped     int    `json:"skipped"`
	Rescued     int    `json:"rescued"`
	Ignored     int    `json:"ignored"`
}

// DisplaySummary is the content of a "TASK [... summary ...]" debug block.
type DisplaySummary struct {
	TaskName string `json:"task_name"`
	Content  string `json:"content"`
}

var (
	recapHeaderPattern = regexp.MustCompile(`^PLAY RECAP \*+\s*$`)
	hostLinePattern    = regexp.MustCompile(
		`^(\S+)\s*:\s*` +
			`ok=(\d+)\s+` +
			`changed=(\d+)\s+` +
			`unreachable=(\d+)\s+` +
			`failed=(\d+)` +
			`(?:\s+skipped=(\d+))?` +
			`(?:\s+rescued=(\d+))?` +
			`(?:\s+ignored=(\d+))?`)

	// Direct format: real newlines.
	//	TASK [Display summary] ***
	//	ok: [localhost] => {
	//	    "msg": "..."
	//	}
	displayDirectPattern = regexp.MustCompile(
		`(?s)TASK \[([^\]]*[Ss]ummary[^\]]*)\] \*+\s*\n` +
			`(?:ok|changed): \[([^\]]+)\] => \{\s*\n` +
			`\s*"msg":\s*(.+?)\n\}`)

	// Escaped format: literal \n sequences, typically produced when nested
	// playbooks log their own output.
	displayEscapedPattern = regexp.MustCompile(
		`(?s)TASK \[([^\]]*[Ss]ummary[^\]]*)\] \*+\\n` +
			`(?:ok|changed): \[([^\]]+)\] => \{\\n` +
			`\s*\\"msg\\":\s*(.+?)(?:\\n\}|"\s*\])`)

	quotedStringPattern = regexp.MustCompile(`"([^"]*)"`)
)

// ParsePlayRecap extracts every host line from every PLAY RECAP block in
// the output.
func ParsePlayRecap(output string) []HostSummary {
	if output == "" {
		return nil
	}

	var summaries []HostSummary
	inRecap := false
	for _, line := range strings.Split(output, "\n") {
		if recapHeaderPattern.MatchString(line) {
			inRecap = true
			continue
		}
		if !inRecap {
			continue
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(line, "PLAY ") {
			inRecap = false
			continue
		}
		m := hostLinePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		summaries = append(summaries, HostSummary{
			Host:        m[1],
			OK:          atoi(m[2]),
			Changed:     atoi(m[3]),
			Unreachable: atoi(m[4]),
			Failed:      atoi(m[5]),
			Skipped:     atoi(m[6]),
			Rescued:     atoi(m[7]),
			Ignored:     atoi(m[8]),
		})
	}
	return summaries
}

// ParseDisplaySummaries extracts the msg payloads of summary debug tasks,
// handling both the direct and the escaped output forms, deduplicated by
// content.
func ParseDisplaySummaries(output string) []DisplaySummary {
	if output == "" {
		return nil
	}

	var summaries []DisplaySummary
	seen := make(map[string]bool)

	collect := func(taskName, host, rawMsg string, escaped bool) {
		if escaped {
			rawMsg = strings.ReplaceAll(rawMsg, `\n`, "\n")
			rawMsg = strings.ReplaceAll(rawMsg, `\"`, `"`)
		}
		content := parseMsgContent(rawMsg)
		if content == "" || seen[content] {
			return
		}
		seen[content] = true
		displayName := taskName
		if host != "localhost" {
			displayName = taskName + " (" + host + ")"
		}
		summaries = append(summaries, DisplaySummary{
			TaskName: displayName,
			Content:  content,
		})
	}

	for _, m := range displayDirectPattern.FindAllStringSubmatch(output, -1) {
		collect(m[1], m[2], strings.TrimSpace(m[3]), false)
	}
	for _, m := range displayEscapedPattern.FindAllStringSubmatch(output, -1) {
		collect(m[1], m[2], strings.TrimSpace(m[3]), true)
	}
	return summaries
}

// parseMsgContent normalizes the msg payload of a debug task: arrays of
// strings are joined with newlines, quoted strings are unquoted and their
// escaped newlines expanded.
func parseMsgContent(msg string) string {
	msg = strings.TrimSpace(msg)
	switch {
	case strings.HasPrefix(msg, "["):
		var lines []string
		for _, m := range quotedStringPattern.FindAllStringSubmatch(msg, -1) {
			lines = append(lines, m[1])
		}
		return strings.Join(lines, "\n")
	case strings.HasPrefix(msg, `"`):
		content := strings.Trim(msg, `"`)
		return strings.ReplaceAll(content, `\n`, "\n")
	default:
		return msg
	}
}

func atoi(s string) int {
	n := 0
	for _, c := range s {
		n = n*10 + int(c-'0')
	}
	return n
}
