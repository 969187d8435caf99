package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// credentialRecord covers the token document shapes found in the wild:
// the oauth2 package encoding, Google client libraries' expiry_date in
// epoch millis, and either of those nested under "token" or "tokens".
type credentialRecord struct {
	AccessToken  string           `json:"access_token"`
	TokenType    string           `json:"token_type"`
	RefreshToken string           `json:"refresh_token"`
	Expiry       *time.Time       `json:"expiry"`
	ExpiryDate   *int64           `json:"expiry_date"`
	ExpiresIn    int64            `json:"expires_in"`
	Token        *json.RawMessage `json:"token"`
	Tokens       *json.RawMessage `json:"tokens"`
}

// NormalizeToken decodes a persisted credential document into an oauth2.Token.
// Nothing outside this function inspects alternative credential shapes.
func NormalizeToken(raw []byte) (*oauth2.Token, error) {
	return normalizeToken(raw, 0)
}

func normalizeToken(raw []byte, depth int) (*oauth2.Token, error) {
	if depth > 2 {
		return nil, errors.New("credential document nested too deeply")
	}

	var rec credentialRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("json.Unmarshal failed: %w", err)
	}

	if rec.AccessToken == "" && rec.RefreshToken == "" {
		switch {
		case rec.Token != nil:
			return normalizeToken(*rec.Token, depth+1)
		case rec.Tokens != nil:
			return normalizeToken(*rec.Tokens, depth+1)
		default:
			return nil, errors.New("credential document has neither access_token nor refresh_token")
		}
	}

	tok := &oauth2.Token{
		AccessToken:  rec.AccessToken,
		TokenType:    rec.TokenType,
		RefreshToken: rec.RefreshToken,
		ExpiresIn:    rec.ExpiresIn,
	}

	switch {
	case rec.Expiry != nil:
		tok.Expiry = *rec.Expiry
	case rec.ExpiryDate != nil:
		tok.Expiry = time.UnixMilli(*rec.ExpiryDate)
	}

	return tok, nil
}
