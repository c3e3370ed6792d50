package callback

import (
	"net/url"
	"strings"
)

const (
	fieldAccessToken      = "access_token"
	fieldRefreshToken     = "refresh_token"
	fieldError            = "error"
	fieldErrorDescription = "error_description"
)

// Parse extracts a Payload from a raw callback URL.
//
// The input is first parsed as given and then with its scheme rewritten to
// https://, so custom and development schemes fall back to ordinary URL
// component rules. Within a candidate the fragment wins over the query, which
// wins over a query flattened into the path. Parse never fails: anything it
// cannot interpret yields NoPayload.
func Parse(raw string) Payload {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return NoPayload{}
	}

	for _, candidate := range candidates(trimmed) {
		parsedURL, err := url.Parse(candidate)
		if err != nil || parsedURL == nil {
			continue
		}
		if payload, ok := fromURL(parsedURL); ok {
			return payload
		}
	}
	return NoPayload{}
}

// candidates returns the direct form followed by the https-rewritten form.
func candidates(raw string) []string {
	rewritten := rewriteScheme(raw)
	if rewritten == raw {
		return []string{raw}
	}
	return []string{raw, rewritten}
}

// rewriteScheme replaces any scheme prefix with https://, or prepends one when
// the string has no scheme at all.
func rewriteScheme(raw string) string {
	if idx := strings.Index(raw, "://"); idx >= 0 {
		return "https://" + raw[idx+len("://"):]
	}
	if strings.HasPrefix(raw, "?") || strings.HasPrefix(raw, "#") {
		return "https://localhost/" + raw
	}
	return "https://" + strings.TrimLeft(raw, "/")
}

func fromURL(u *url.URL) (Payload, bool) {
	if u.Fragment != "" {
		if payload, ok := fromComponent(u.EscapedFragment()); ok {
			return payload, true
		}
	}
	if u.RawQuery != "" {
		if payload, ok := fromComponent(u.RawQuery); ok {
			return payload, true
		}
	}
	if embedded := embeddedQuery(u); embedded != "" {
		if payload, ok := fromComponent(embedded); ok {
			return payload, true
		}
	}
	return nil, false
}

// embeddedQuery returns the part of the decoded path after a literal '?'.
// Proxies and development clients sometimes flatten the redirect URL into a
// single path segment, which leaves the token query encoded inside the path.
func embeddedQuery(u *url.URL) string {
	path := u.Path
	if u.Opaque != "" {
		if unescaped, err := url.PathUnescape(u.Opaque); err == nil {
			path = unescaped
		} else {
			path = u.Opaque
		}
	}
	idx := strings.Index(path, "?")
	if idx < 0 {
		return ""
	}
	query := path[idx+1:]
	if hash := strings.Index(query, "#"); hash >= 0 {
		query = query[:hash]
	}
	return query
}

// fromComponent inspects one key=value component. A component only matches
// when it carries an error key or a complete token pair.
func fromComponent(component string) (Payload, bool) {
	component = strings.TrimPrefix(component, "?")
	component = strings.TrimPrefix(component, "#")
	if component == "" {
		return nil, false
	}
	// ParseQuery keeps every well-formed pair even when it reports an error.
	values, _ := url.ParseQuery(component)
	if len(values) == 0 {
		return nil, false
	}

	// The error key wins even with an empty value.
	if values.Has(fieldError) {
		return ProviderError{
			Code:        strings.TrimSpace(values.Get(fieldError)),
			Description: strings.TrimSpace(values.Get(fieldErrorDescription)),
		}, true
	}

	accessToken := strings.TrimSpace(values.Get(fieldAccessToken))
	refreshToken := strings.TrimSpace(values.Get(fieldRefreshToken))
	if accessToken != "" && refreshToken != "" {
		return Credentials{AccessToken: accessToken, RefreshToken: refreshToken}, true
	}
	return nil, false
}

// MatchesPath reports whether a deep link targets the expected callback path.
// The comparison ignores the scheme, so myapp://auth/callback,
// exp://10.0.0.2:8081/--/auth/callback and https://app.example/auth/callback
// all match "auth/callback". An empty path matches every link.
func MatchesPath(raw, path string) bool {
	want := strings.Trim(strings.TrimSpace(path), "/")
	if want == "" {
		return true
	}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return false
	}
	for _, candidate := range candidates(trimmed) {
		parsedURL, err := url.Parse(candidate)
		if err != nil || parsedURL == nil {
			continue
		}
		location := strings.Trim(parsedURL.Host+parsedURL.Path, "/")
		if parsedURL.Opaque != "" {
			location = strings.Trim(parsedURL.Opaque, "/")
		}
		if idx := strings.Index(location, "?"); idx >= 0 {
			location = strings.TrimRight(location[:idx], "/")
		}
		if location == want || strings.HasSuffix(location, "/"+want) {
			return true
		}
	}
	return false
}
