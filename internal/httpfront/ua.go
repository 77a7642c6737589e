package httpfront

import "strings"

// looksLikeBrowser is the front door's user-agent sniff (§4.F): deliberately
// naive, a prefix match on the two tokens virtually every browser sends and
// virtually no scripted client bothers to. It decides whether an unadorned
// GET gets redirected to the app shell or treated as a raw download; never
// rely on it for anything security-sensitive.
func looksLikeBrowser(userAgent string) bool {
	return strings.HasPrefix(userAgent, "Mozilla") || strings.HasPrefix(userAgent, "Opera")
}
