package browser

import (
	"encoding/base64"

	"github.com/go-rod/rod/lib/proto"

	"github.com/PentesterFlow/qadocgen/internal/model"
)

// authHeaders returns the extra request headers auth requires.
func authHeaders(auth *model.AuthConfig) map[string]string {
	if auth == nil {
		return nil
	}

	switch auth.AuthType {
	case "", model.AuthBasic:
		// Credentials are sent only as a complete pair.
		if auth.Username == "" || auth.Password == "" {
			return nil
		}
		creds := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
		return map[string]string{"Authorization": "Basic " + creds}
	case model.AuthSessionToken:
		if auth.TokenType == model.TokenBearer && auth.TokenName != "" {
			return map[string]string{auth.TokenName: "Bearer " + auth.TokenValue}
		}
	}
	return nil
}

// authCookies returns the cookies auth requires, scoped to target.
func authCookies(auth *model.AuthConfig, target string) []*proto.NetworkCookieParam {
	if auth == nil || auth.AuthType != model.AuthSessionToken || auth.TokenType != model.TokenCookie {
		return nil
	}
	if auth.TokenName == "" {
		return nil
	}
	return []*proto.NetworkCookieParam{{
		Name:  auth.TokenName,
		Value: auth.TokenValue,
		URL:   target,
	}}
}
