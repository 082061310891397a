package errs

import "regexp"

const redacted = "[REDACTED]"

// Patterns ordered so key=value captures are masked before raw hex runs;
// otherwise "key=0xabc..." would leave the key= prefix pointing at a
// partially masked value.
var (
	// key=..., secret=..., password=..., token=... in query strings,
	// DSNs, or logged headers. No leading word boundary so api_key= and
	// API_SECRET= style names are caught too.
	credentialPair = regexp.MustCompile(`(?i)(key|secret|password|token)=([^\s&"',;]+)`)

	// Ethereum addresses and anything that looks like key material:
	// 0x-prefixed or bare hex runs of 40+ characters (covers both the
	// 40-char address body and 64-char private keys).
	hexBlob = regexp.MustCompile(`\b(0x)?[0-9a-fA-F]{40,}\b`)
)

// Redact masks credential-shaped substrings so they never reach logs or
// user-visible errors. It is total: any string in, a safe string out.
func Redact(s string) string {
	if s == "" {
		return s
	}
	s = credentialPair.ReplaceAllString(s, "$1="+redacted)
	s = hexBlob.ReplaceAllString(s, redacted)
	return s
}
