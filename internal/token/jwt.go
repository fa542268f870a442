package token

import (
	"errors"
	"fmt"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// JWTCodec encodes token values as EdDSA-signed JWTs carrying the session
// id ("sid") and type tag ("ttype") alongside any extra claims.
type JWTCodec struct {
	Issuer   string
	Keys     *Keystore
	Lifetime time.Duration
}

// NewJWTCodec creates a codec with the given default lifetime. The lifetime
// only bounds the embedded exp claim; per-token expiry is enforced by the
// grant engine on top of it.
func NewJWTCodec(issuer string, keys *Keystore, lifetime time.Duration) *JWTCodec {
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	return &JWTCodec{Issuer: issuer, Keys: keys, Lifetime: lifetime}
}

// Encode produces a signed token value.
func (c *JWTCodec) Encode(sessionID, tag string, claims map[string]any) (string, error) {
	now := time.Now().UTC()
	mc := jwtv5.MapClaims{
		"iss":   c.Issuer,
		"iat":   now.Unix(),
		"exp":   now.Add(c.Lifetime).Unix(),
		"jti":   uuid.NewString(),
		"sid":   sessionID,
		"ttype": tag,
	}
	for k, v := range claims {
		mc[k] = v
	}

	kid, priv := c.Keys.Active()
	tk := jwtv5.NewWithClaims(jwtv5.SigningMethodEdDSA, mc)
	tk.Header["kid"] = kid
	tk.Header["typ"] = "JWT"

	signed, err := tk.SignedString(priv)
	if err != nil {
		return "", fmt.Errorf("sign token value: %w", err)
	}
	return signed, nil
}

// Decode verifies a token value and recovers its metadata. Values with an
// expired exp claim yield ErrTokenExpired; any other verification failure
// yields ErrUnknownToken.
func (c *JWTCodec) Decode(value string) (*Info, error) {
	parsed, err := jwtv5.Parse(value, c.keyfunc(),
		jwtv5.WithValidMethods([]string{jwtv5.SigningMethodEdDSA.Alg()}),
		jwtv5.WithIssuer(c.Issuer),
	)
	if err != nil {
		if errors.Is(err, jwtv5.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrUnknownToken
	}

	mc, ok := parsed.Claims.(jwtv5.MapClaims)
	if !ok {
		return nil, ErrUnknownToken
	}

	sid, _ := mc["sid"].(string)
	tag, _ := mc["ttype"].(string)
	if sid == "" || tag == "" {
		return nil, ErrUnknownToken
	}

	info := &Info{SessionID: sid, Tag: tag, Claims: map[string]any{}}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		info.ExpiresAt = exp.Time
	}
	for k, v := range mc {
		switch k {
		case "sid", "ttype", "iss", "iat", "exp", "jti":
		default:
			info.Claims[k] = v
		}
	}
	return info, nil
}

func (c *JWTCodec) keyfunc() jwtv5.Keyfunc {
	return func(t *jwtv5.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("kid missing")
		}
		return c.Keys.PublicKeyByKID(kid)
	}
}
