package types

import (
	"time"
)

// TokenBundle holds the credentials issued by the identity provider.
// Expiry fields are absolute instants, never durations.
type TokenBundle struct {
	IDToken              string    `json:"id_token"`
	IDTokenExpiresAt     time.Time `json:"id_token_expires_at"`
	AccessToken          string    `json:"access_token"`
	AccessTokenExpiresAt time.Time `json:"access_token_expires_at"`
	RefreshToken         string    `json:"refresh_token,omitempty"`
}

// AccessTokenValid reports whether the access token is still usable at now.
func (t TokenBundle) AccessTokenValid(now time.Time) bool {
	return now.Before(t.AccessTokenExpiresAt)
}

// IDTokenValid reports whether the id token is still usable at now.
func (t TokenBundle) IDTokenValid(now time.Time) bool {
	return now.Before(t.IDTokenExpiresAt)
}

// ClusterCredential returns the token presented to the cluster API server.
// The id token is preferred since that is what OIDC-enabled API servers verify.
func (t TokenBundle) ClusterCredential() string {
	if t.IDToken != "" {
		return t.IDToken
	}
	return t.AccessToken
}

// IdentityClaims represents authenticated user information
type IdentityClaims struct {
	Subject string   `json:"sub"`
	Name    string   `json:"name,omitempty"`
	Email   string   `json:"email,omitempty"`
	Groups  []string `json:"groups,omitempty"`
}

// LoginState is the transient state of an authorization-code flow in progress.
type LoginState struct {
	State        string `json:"state"`
	CodeVerifier string `json:"code_verifier"`
	ReturnPath   string `json:"return_path,omitempty"`
}

// User is the authenticated part of a session.
type User struct {
	Claims IdentityClaims `json:"claims"`
	Tokens TokenBundle    `json:"tokens"`
}

// Session is the durable per-user record. A session without User is anonymous.
type Session struct {
	Login *LoginState `json:"login,omitempty"`
	User  *User       `json:"user,omitempty"`
}

// Authenticated reports whether the session carries a user.
func (s *Session) Authenticated() bool {
	return s != nil && s.User != nil
}

// Clone returns a deep copy so callers never alias a stored record.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := &Session{}
	if s.Login != nil {
		login := *s.Login
		out.Login = &login
	}
	if s.User != nil {
		user := *s.User
		user.Claims.Groups = append([]string(nil), s.User.Claims.Groups...)
		out.User = &user
	}
	return out
}

// ClusterBinding is the resolved set of values needed to call one cluster
// on behalf of one session.
type ClusterBinding struct {
	ClusterName        string
	ContextName        string
	UserCredentialName string
	ServerURL          string
	Token              string

	CAData   []byte
	CAFile   string
	CertData []byte
	CertFile string
	KeyData  []byte
	KeyFile  string

	InsecureSkipTLSVerify bool
}

// ResourceDescriptor identifies a collection on the cluster API.
// An empty APIGroup denotes a built-in resource served under /api.
type ResourceDescriptor struct {
	APIGroup     string `json:"group"`
	APIVersion   string `json:"version"`
	PluralName   string `json:"plural"`
	Kind         string `json:"kind,omitempty"`
	IsNamespaced bool   `json:"namespaced"`
}

// BuiltIn reports whether the descriptor addresses the core API group.
func (d ResourceDescriptor) BuiltIn() bool {
	return d.APIGroup == ""
}

// TunnelMessage represents WebSocket tunnel messages
type TunnelMessage struct {
	Type           string      `json:"type"`
	SubscriptionID string      `json:"subscription_id,omitempty"`
	Payload        interface{} `json:"payload,omitempty"`
}

// SubscribeRequest is the payload of a "subscribe" tunnel message.
type SubscribeRequest struct {
	Resource        ResourceDescriptor `json:"resource"`
	Namespace       string             `json:"namespace,omitempty"`
	ResourceVersion string             `json:"resource_version,omitempty"`
	LabelSelector   string             `json:"label_selector,omitempty"`
	// Reconnect resumes the watch from its last cursor after transient failures.
	Reconnect bool `json:"reconnect,omitempty"`
}
