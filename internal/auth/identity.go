package auth

// Method indicates how a credential was verified.
type Method string

const (
	MethodToken  Method = "token"
	MethodAPIKey Method = "apikey"
)

// Identity is an authenticated principal: a registered device (token mode) or
// an API key holder. The principal is used for rate-limit bucket selection
// and audit logging.
type Identity struct {
	Principal string
	Method    Method
}
