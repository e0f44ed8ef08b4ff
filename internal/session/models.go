package session

// Profile is the lightweight identity kept alongside the token pair. Role is
// informational here; authoritative role/permission state comes from the
// verifier reading the token's claims.
type Profile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

// Session is the unit of authentication state for one user: the current
// token pair plus the profile the tokens were issued for.
type Session struct {
	UserID       string  `json:"user_id"`
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token"`
	Profile      Profile `json:"profile"`
}
