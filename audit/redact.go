package audit

import (
	"fmt"
	"regexp"
)

// Redactor keeps secrets and inline image payloads out of the request log.
type Redactor struct {
	bearer  *regexp.Regexp
	dataURI *regexp.Regexp
}

func NewRedactor() *Redactor {
	return &Redactor{
		bearer:  regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._-]{10,}`),
		dataURI: regexp.MustCompile(`data:([a-zA-Z0-9.+-]+/[a-zA-Z0-9.+-]+);base64,[A-Za-z0-9+/=]{64,}`),
	}
}

// RedactString replaces bearer tokens and shortens base64 data URIs to their
// media type and length.
func (r *Redactor) RedactString(s string) string {
	if r == nil || s == "" {
		return s
	}
	s = r.bearer.ReplaceAllString(s, "Bearer [redacted]")
	return r.dataURI.ReplaceAllStringFunc(s, func(m string) string {
		sub := r.dataURI.FindStringSubmatch(m)
		mediaType := ""
		if len(sub) > 1 {
			mediaType = sub[1]
		}
		return fmt.Sprintf("data:%s;base64,[%d bytes]", mediaType, len(m))
	})
}

func (r *Redactor) RedactJSON(b []byte) []byte {
	if r == nil {
		return b
	}
	return []byte(r.RedactString(string(b)))
}
