package token

import (
	"github.com/golang-jwt/jwt/v5"
)

// Token classes carried in the `typ` claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// Claims are the JWT claims of both token classes. Subject is the account id.
type Claims struct {
	Type  string `json:"typ"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Pair is handed to clients after register, login, verification and reset.
type Pair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int64  `json:"expiresIn"`
}
