package cloudrelay

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const assertionLifetime = time.Hour

// AssertionClaims is the claim set of a JWT-bearer grant assertion.
type AssertionClaims struct {
	Issuer    string `json:"iss"`
	Scope     string `json:"scope"`
	Audience  string `json:"aud"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
}

func (c AssertionClaims) GetExpirationTime() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.ExpiresAt, 0)), nil
}

func (c AssertionClaims) GetIssuedAt() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.IssuedAt, 0)), nil
}

func (c AssertionClaims) GetNotBefore() (*jwt.NumericDate, error) { return nil, nil }

func (c AssertionClaims) GetIssuer() (string, error) { return c.Issuer, nil }

func (c AssertionClaims) GetSubject() (string, error) { return "", nil }

func (c AssertionClaims) GetAudience() (jwt.ClaimStrings, error) {
	return jwt.ClaimStrings{c.Audience}, nil
}

// Assertion is an unsigned JWT-bearer assertion. It lives for one refresh.
type Assertion struct {
	Header       map[string]any
	Claims       AssertionClaims
	SigningInput string
}

// Compact joins the signing input and a signature into the wire form.
func (a Assertion) Compact(signature string) string {
	return a.SigningInput + "." + signature
}

// BuildAssertion serializes the header and claims for creds at now.
// iat is truncated to whole seconds; exp is iat plus one hour.
func BuildAssertion(creds CredentialSet, now time.Time) (Assertion, error) {
	iat := now.Unix()
	claims := AssertionClaims{
		Issuer:    creds.Issuer,
		Scope:     creds.Scope,
		Audience:  creds.TokenEndpoint.URL(),
		ExpiresAt: iat + int64(assertionLifetime/time.Second),
		IssuedAt:  iat,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	input, err := token.SigningString()
	if err != nil {
		return Assertion{}, err
	}
	return Assertion{
		Header:       token.Header,
		Claims:       claims,
		SigningInput: input,
	}, nil
}
