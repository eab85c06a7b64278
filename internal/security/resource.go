package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strings"
)

// ThumbnailPathPrefix is where signed thumbnail references are served.
const ThumbnailPathPrefix = "/media/thumbs/"

func SignResource(secret string, parts ...string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	payload := strings.Join(parts, ":")
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func VerifyResource(secret, signature string, parts ...string) bool {
	if signature == "" {
		return false
	}
	expected := SignResource(secret, parts...)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// ThumbnailRef builds the signed path a client uses to fetch a thumbnail.
func ThumbnailRef(secret, key string) string {
	if key == "" {
		return ""
	}
	return ThumbnailPathPrefix + key + "?sig=" + url.QueryEscape(SignResource(secret, "thumb", key))
}

func VerifyThumbnail(secret, key, signature string) bool {
	return VerifyResource(secret, signature, "thumb", key)
}
