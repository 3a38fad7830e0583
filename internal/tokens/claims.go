package tokens

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mitchellh/mapstructure"

	"github.com/terraconstructs/authbridge/internal/auth"
)

// Claim names embedded in legacy tokens.
const (
	ClaimUserID            = "id"
	ClaimDeviceID          = "deviceId"
	ClaimTokenID           = "tokenId"
	ClaimDeviceDescription = "deviceDescription"
	ClaimSubject           = "sub"
)

// reserved claims are never copied into device session metadata.
var reservedClaims = map[string]struct{}{
	ClaimUserID: {}, ClaimDeviceID: {}, ClaimTokenID: {}, ClaimDeviceDescription: {},
	"iat": {}, "exp": {}, "nbf": {}, "iss": {}, "aud": {}, "jti": {}, ClaimSubject: {},
}

// Claims is the decoded payload of a token. Data holds every claim that has
// no dedicated field.
type Claims struct {
	ID        string         `mapstructure:"id"`
	Subject   string         `mapstructure:"sub"`
	DeviceID  string         `mapstructure:"deviceId"`
	TokenID   string         `mapstructure:"tokenId"`
	IssuedAt  int64          `mapstructure:"iat"`
	ExpiresAt int64          `mapstructure:"exp"`
	Data      map[string]any `mapstructure:",remain"`
}

// IsLegacy reports whether the payload has the legacy claim shape: a user id
// and no subject.
func (c *Claims) IsLegacy() bool {
	return c.ID != "" && c.Subject == ""
}

// IsIAM reports whether the payload carries a subject, which only IAM bearer
// tokens do.
func (c *Claims) IsIAM() bool {
	return c.Subject != ""
}

func claimsFromMap(m map[string]any) (*Claims, error) {
	c := &Claims{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           c,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("%w: decode claims: %v", auth.ErrInvalidToken, err)
	}
	return c, nil
}

// DecodeJWT reads the claims of a token without checking its signature. Use it
// only for dispatch decisions; verification happens in VerifyAccessToken,
// VerifyRefreshToken or the IAM verifier.
func DecodeJWT(token string) (*Claims, error) {
	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, mc); err != nil {
		return nil, fmt.Errorf("%w: %v", auth.ErrInvalidToken, err)
	}
	return claimsFromMap(mc)
}

func sessionMetadata(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if _, ok := reservedClaims[k]; ok {
			continue
		}
		out[k] = v
	}
	return out
}
