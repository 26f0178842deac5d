package api

// User is the authenticated admin profile.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

// Node is a proxy node managed by the panel.
type Node struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Protocol string   `json:"protocol"`
	Address  string   `json:"address"`
	Port     int      `json:"port"`
	ExitIP   string   `json:"exit_ip,omitempty"`
	Enabled  bool     `json:"enabled"`
	Tags     []string `json:"tags,omitempty"`
}

// Subscription is an upstream subscription source.
type Subscription struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	URL       string `json:"url"`
	NodeCount int    `json:"node_count"`
	UpdatedAt string `json:"updated_at,omitempty"`
	Enabled   bool   `json:"enabled"`
}

// IPInfo is the geo/ISP lookup result for an exit IP.
type IPInfo struct {
	IP      string `json:"ip"`
	Country string `json:"country"`
	City    string `json:"city"`
	ISP     string `json:"isp"`
}

// LoginRequest carries credentials plus the optional captcha proof.
type LoginRequest struct {
	Username     string `json:"username"`
	Password     string `json:"password"`
	CaptchaToken string `json:"captcha_token,omitempty"`
	Remember     bool   `json:"remember"`
}

// LoginData is the payload returned by a successful login or remember-token
// exchange. RememberToken is only present when the backend issued one.
type LoginData struct {
	Token         string `json:"token"`
	RememberToken string `json:"remember_token,omitempty"`
	User          *User  `json:"user,omitempty"`
}
