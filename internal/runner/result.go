package runner

import (
	"encoding/json"
	"regexp"
)

// Result is the structured outcome a backup or restore script embeds in a
// step message. The full manifest stays inside the archive; only this small
// summary travels through FastDeploy, which truncates raw output but keeps
// step messages intact.
type Result struct {
	Success        bool   `json:"success"`
	Bucket         string `json:"bucket"`
	Key            string `json:"key"`
	SizeBytes      int64  `json:"size_bytes"`
	ChecksumSHA256 string `json:"checksum_sha256"`
	FileCount      int    `json:"file_count"`
	Error          string `json:"error"`
}

var resultPattern = regexp.MustCompile(`ECHOPORT_RESULT:(\{.*\})`)

// ParseResult scans step messages in order for an ECHOPORT_RESULT marker and
// returns the first payload that parses as JSON. A message whose payload
// fails to parse is skipped, not treated as a failure signal. Returns nil
// when no result was found; callers decide what "no signal" means for them.
func ParseResult(steps []Step) *Result {
	for _, step := range steps {
		if step.Message == "" {
			continue
		}

		match := resultPattern.FindStringSubmatch(step.Message)
		if match == nil {
			continue
		}

		var result Result
		if err := json.Unmarshal([]byte(match[1]), &result); err != nil {
			continue
		}
		return &result
	}
	return nil
}
