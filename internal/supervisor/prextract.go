package supervisor

import "regexp"

// prURLPattern matches a pull-request URL on the configured hosting service,
// capturing the "<owner>/<name>" repo slug so ExtractPRURL can prefer a URL
// whose repo matches the task's own.
var prURLPattern = regexp.MustCompile(`https?://\S+/([\w.-]+/[\w.-]+)/pull/\d+`)

// ExtractPRURL scans text (accumulated assistant message text across a
// session) for PR URLs and returns the one the worker should record,
// preferring — in order — a structured signal over a text match, then the
// last URL whose repo matches currentRepo, then the last URL overall.
func ExtractPRURL(structuredURL string, messageText string, currentRepo string) string {
	if structuredURL != "" {
		return structuredURL
	}

	matches := prURLPattern.FindAllStringSubmatch(messageText, -1)
	if len(matches) == 0 {
		return ""
	}

	var lastMatchingRepo string
	for _, m := range matches {
		if m[1] == currentRepo {
			lastMatchingRepo = m[0]
		}
	}
	if lastMatchingRepo != "" {
		return lastMatchingRepo
	}
	return matches[len(matches)-1][0]
}
