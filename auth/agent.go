package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"curling-server/models"
)

// AgentClaims bind a token to one team of one match.
type AgentClaims struct {
	MatchID uuid.UUID   `json:"match_id"`
	Team    models.Side `json:"team"`
	jwt.RegisteredClaims
}

// Agents issues and checks the tokens agents present when connecting.
type Agents struct {
	secret []byte
	ttl    time.Duration
}

// NewAgents returns an issuer signing with secret. Tokens expire after ttl.
func NewAgents(secret string, ttl time.Duration) *Agents {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Agents{secret: []byte(secret), ttl: ttl}
}

// Issue returns a signed token for team in matchID.
func (a *Agents) Issue(matchID uuid.UUID, team models.Side) (string, error) {
	now := time.Now()
	claims := AgentClaims{
		MatchID: matchID,
		Team:    team,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%s/%s", matchID, team),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses token and returns its claims.
func (a *Agents) Verify(token string) (AgentClaims, error) {
	var claims AgentClaims
	_, err := jwt.ParseWithClaims(token, &claims, hmacKey(string(a.secret)),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired())
	if err != nil {
		return AgentClaims{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if !claims.Team.Valid() || claims.MatchID == uuid.Nil {
		return AgentClaims{}, fmt.Errorf("%w: incomplete agent claims", ErrUnauthorized)
	}
	return claims, nil
}
