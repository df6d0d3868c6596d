package identity

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenRefreshSkew は有効期限の何秒前からトークンを再発行するか。
const tokenRefreshSkew = 5 * time.Minute

// tokenExpiry はIDトークンのexpクレームを読み取る。
// 署名検証はバックエンドの責務のため、ここでは検証せずにパースする。
func tokenExpiry(raw string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// expiryFor はトークンの有効期限を決定する。
// JWTのexpを優先し、読めない場合はexpiresIn（秒）から算出する。
func expiryFor(idToken string, expiresInSec int, now time.Time) time.Time {
	if exp, ok := tokenExpiry(idToken); ok {
		return exp
	}
	if expiresInSec <= 0 {
		expiresInSec = 3600
	}
	return now.Add(time.Duration(expiresInSec) * time.Second)
}

// needsRefresh はトークンの再発行が必要かを判定する。
func needsRefresh(creds *Credentials, now time.Time) bool {
	if creds.IDToken == "" {
		return true
	}
	return !now.Add(tokenRefreshSkew).Before(creds.ExpiresAt)
}
