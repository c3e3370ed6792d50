// Package callback extracts sign-in results from provider callback URLs.
// It understands custom application schemes, development-tool schemes and
// universal HTTPS links, and tolerates token payloads carried in the fragment,
// the query string, or a query string flattened into the path.
package callback

// Kind discriminates the Payload variants.
type Kind int

const (
	// KindNoPayload means the URL carried neither credentials nor an error.
	KindNoPayload Kind = iota
	// KindCredentials means an access/refresh token pair was found.
	KindCredentials
	// KindProviderError means the identity provider reported an error.
	KindProviderError
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindCredentials:
		return "credentials"
	case KindProviderError:
		return "provider_error"
	default:
		return "no_payload"
	}
}

// Payload is the result of parsing one callback URL.
// Exactly one of Credentials, ProviderError or NoPayload implements it.
type Payload interface {
	Kind() Kind
	isPayload()
}

// Credentials holds the token pair delivered by the provider.
type Credentials struct {
	AccessToken  string
	RefreshToken string
}

func (Credentials) Kind() Kind { return KindCredentials }
func (Credentials) isPayload() {}

// ProviderError carries the provider's explicit rejection.
type ProviderError struct {
	Code        string
	Description string
}

func (ProviderError) Kind() Kind { return KindProviderError }
func (ProviderError) isPayload() {}

// UnknownProviderError is reported when the provider sent an empty error.
const UnknownProviderError = "unknown_error"

// Reason returns the description when present, otherwise the error code.
func (e ProviderError) Reason() string {
	if e.Description != "" {
		return e.Description
	}
	if e.Code != "" {
		return e.Code
	}
	return UnknownProviderError
}

// NoPayload is returned when the URL was understood but carried nothing usable.
type NoPayload struct{}

func (NoPayload) Kind() Kind { return KindNoPayload }
func (NoPayload) isPayload() {}
