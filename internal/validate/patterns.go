package validate

import "regexp"

// Threat names the detected attack family.
type Threat string

const (
	ThreatNone Threat = ""
	ThreatSQL  Threat = "sql_injection"
	ThreatXSS  Threat = "xss"
)

var sqlPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bunion\b\s+(all\s+)?\bselect\b`),
	regexp.MustCompile(`(?i)'\s*(or|and)\s+'?[\w-]*'?\s*(=|like\b|<|>)`),
	regexp.MustCompile(`(?i)\b(or|and)\s+\d+\s*=\s*\d+\b`),
	regexp.MustCompile(`(?i);\s*(select|insert|update|delete|drop|alter|create|truncate|exec)\b`),
	regexp.MustCompile(`(?i)'\s*(--|#|/\*)`),
	regexp.MustCompile(`(?i)\b(drop|truncate)\s+table\b`),
	regexp.MustCompile(`(?i)\bexec(ute)?\s+(xp_|sp_)\w+`),
	regexp.MustCompile(`(?i)\b(sleep|benchmark)\s*\(|\bwaitfor\s+delay\b`),
}

var xssPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script\b`),
	regexp.MustCompile(`(?i)\b(javascript|vbscript)\s*:`),
	regexp.MustCompile(`(?i)\bon(abort|blur|change|click|dblclick|error|focus|input|keydown|keypress|keyup|load|mousedown|mousemove|mouseout|mouseover|mouseup|reset|resize|select|submit|unload|toggle|animationstart|pointerover)\s*=`),
	regexp.MustCompile(`(?i)<\s*(iframe|object|embed|svg)\b[^>]*>`),
	regexp.MustCompile(`(?i)data\s*:\s*text/html`),
	regexp.MustCompile(`(?i)expression\s*\(`),
}

// Detect returns the first threat found in s.
func Detect(s string) Threat {
	if s == "" {
		return ThreatNone
	}
	for _, re := range sqlPatterns {
		if re.MatchString(s) {
			return ThreatSQL
		}
	}
	for _, re := range xssPatterns {
		if re.MatchString(s) {
			return ThreatXSS
		}
	}
	return ThreatNone
}
