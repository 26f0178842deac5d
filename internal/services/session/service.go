// Package session owns the authentication lifecycle: restoring a saved
// session at startup, interactive login, and teardown on logout.
package session

import (
	"errors"
	"log"
	"strings"
	"sync"

	"sublink-admin/internal/api"
)

// State is the controller's authentication state.
type State string

const (
	StateUninitialized   State = "uninitialized"
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticating  State = "authenticating"
	StateAuthenticated   State = "authenticated"
)

// Backend is the slice of the API client the controller needs.
type Backend interface {
	SetToken(token string)
	Login(req api.LoginRequest) (*api.LoginData, error)
	Logout() error
	Me() (*api.User, error)
	ExchangeRememberToken(rememberToken string) (*api.LoginData, error)
}

// Stream is the push connection the controller opens on success and closes
// on logout.
type Stream interface {
	Connect(token string)
	Disconnect()
}

// LoginResult is what the login surface renders. Message and Code come from
// the backend verbatim on rejection; Code lets the UI detect the
// captcha-required case.
type LoginResult struct {
	Success bool      `json:"success"`
	Message string    `json:"message,omitempty"`
	Code    int       `json:"code,omitempty"`
	User    *api.User `json:"user,omitempty"`
}

// Controller drives authentication. All methods are safe for concurrent use.
type Controller struct {
	backend Backend
	tokens  TokenStore
	stream  Stream

	mu    sync.RWMutex
	state State
	user  *api.User
}

// NewController creates a session controller in the uninitialized state.
func NewController(backend Backend, tokens TokenStore, stream Stream) *Controller {
	return &Controller{
		backend: backend,
		tokens:  tokens,
		stream:  stream,
		state:   StateUninitialized,
	}
}

// State returns the current authentication state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// CurrentUser returns the authenticated profile, nil when logged out.
func (c *Controller) CurrentUser() *api.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.user == nil {
		return nil
	}
	u := *c.user
	return &u
}

// Initialize restores a previous session without user interaction:
// first the saved session token, then the remember token as a fallback.
// Either path ends authenticated with the stream connected; both failing
// leaves the controller unauthenticated for an interactive login.
func (c *Controller) Initialize() State {
	c.setState(StateAuthenticating)

	if token, err := c.tokens.LoadSession(); err != nil {
		log.Printf("session: failed to load saved token: %v", err)
	} else if token != "" {
		c.backend.SetToken(token)
		user, err := c.backend.Me()
		if err == nil {
			c.establish(token, user)
			return StateAuthenticated
		}
		log.Printf("session: saved token rejected: %v", err)
		c.backend.SetToken("")
		if clearErr := c.tokens.ClearSession(); clearErr != nil {
			log.Printf("session: failed to clear stale token: %v", clearErr)
		}
	}

	if c.tryRememberToken() {
		return StateAuthenticated
	}

	c.setState(StateUnauthenticated)
	return StateUnauthenticated
}

// tryRememberToken exchanges the stored remember token for a fresh session.
func (c *Controller) tryRememberToken() bool {
	remember, err := c.tokens.LoadRemember()
	if err != nil {
		log.Printf("session: failed to load remember token: %v", err)
		return false
	}
	if remember == "" {
		return false
	}

	data, err := c.backend.ExchangeRememberToken(remember)
	if err != nil {
		log.Printf("session: remember token exchange failed: %v", err)
		var apiErr *api.Error
		if errors.As(err, &apiErr) {
			// The backend rejected the token outright, drop it
			if clearErr := c.tokens.ClearRemember(); clearErr != nil {
				log.Printf("session: failed to drop remember token: %v", clearErr)
			}
		}
		return false
	}

	c.backend.SetToken(data.Token)
	user := data.User
	if user == nil {
		user, err = c.backend.Me()
		if err != nil {
			log.Printf("session: profile fetch after exchange failed: %v", err)
			c.backend.SetToken("")
			return false
		}
	}

	if data.RememberToken != "" {
		if err := c.tokens.StoreRemember(data.RememberToken); err != nil {
			log.Printf("session: failed to rotate remember token: %v", err)
		}
	}
	c.establish(data.Token, user)
	return true
}

// Login performs an interactive login. Credential validation happens before
// any network traffic.
func (c *Controller) Login(username, password, captchaToken string, remember bool) LoginResult {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return LoginResult{Success: false, Message: "username and password are required"}
	}

	c.setState(StateAuthenticating)

	data, err := c.backend.Login(api.LoginRequest{
		Username:     username,
		Password:     password,
		CaptchaToken: captchaToken,
		Remember:     remember,
	})
	if err != nil {
		c.setState(StateUnauthenticated)
		var apiErr *api.Error
		if errors.As(err, &apiErr) {
			return LoginResult{Success: false, Message: apiErr.Message, Code: apiErr.Code}
		}
		return LoginResult{Success: false, Message: "unable to reach the backend"}
	}

	c.backend.SetToken(data.Token)
	user := data.User
	if user == nil {
		if user, err = c.backend.Me(); err != nil {
			log.Printf("session: profile fetch after login failed: %v", err)
			c.backend.SetToken("")
			c.setState(StateUnauthenticated)
			return LoginResult{Success: false, Message: "login succeeded but the profile fetch failed"}
		}
	}

	if remember && data.RememberToken != "" {
		if err := c.tokens.StoreRemember(data.RememberToken); err != nil {
			log.Printf("session: failed to persist remember token: %v", err)
		}
	}

	c.establish(data.Token, user)
	return LoginResult{Success: true, User: user}
}

// Logout tears the session down. The server-side invalidation is best
// effort: local state is cleared regardless of the backend's answer.
func (c *Controller) Logout() {
	if err := c.backend.Logout(); err != nil {
		log.Printf("session: server-side logout failed: %v", err)
	}

	c.stream.Disconnect()
	c.backend.SetToken("")

	if err := c.tokens.ClearSession(); err != nil {
		log.Printf("session: failed to clear session token: %v", err)
	}
	if err := c.tokens.ClearRemember(); err != nil {
		log.Printf("session: failed to clear remember token: %v", err)
	}

	c.mu.Lock()
	c.state = StateUnauthenticated
	c.user = nil
	c.mu.Unlock()
}

// establish records the authenticated session and opens the stream.
func (c *Controller) establish(token string, user *api.User) {
	if err := c.tokens.StoreSession(token); err != nil {
		log.Printf("session: failed to persist session token: %v", err)
	}

	c.mu.Lock()
	c.state = StateAuthenticated
	c.user = user
	c.mu.Unlock()

	c.stream.Connect(token)
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
