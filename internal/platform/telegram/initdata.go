package telegram

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInitDataMissingHash = errors.New("telegram: init data has no hash")
	ErrInitDataBadHash     = errors.New("telegram: init data hash mismatch")
	ErrInitDataExpired     = errors.New("telegram: init data expired")
	ErrInitDataNoUser      = errors.New("telegram: init data has no user")
)

// WebAppUser is the user object embedded in Mini App init data.
type WebAppUser struct {
	ID           int64  `json:"id"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Username     string `json:"username"`
	LanguageCode string `json:"language_code"`
	IsPremium    bool   `json:"is_premium"`
}

// InitData is a validated Mini App launch payload.
type InitData struct {
	User       WebAppUser
	StartParam string
	AuthDate   time.Time
}

// ValidateInitData checks the HMAC signature of raw init data against botToken and
// rejects payloads older than maxAge. maxAge <= 0 disables the age check.
func ValidateInitData(raw, botToken string, maxAge time.Duration, now time.Time) (*InitData, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, fmt.Errorf("telegram: parse init data: %w", err)
	}
	received := values.Get("hash")
	if received == "" {
		return nil, ErrInitDataMissingHash
	}

	expected := signInitData(dataCheckString(values), botToken)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(received))) {
		return nil, ErrInitDataBadHash
	}

	out := &InitData{StartParam: values.Get("start_param")}
	if s := values.Get("auth_date"); s != "" {
		sec, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("telegram: bad auth_date: %w", err)
		}
		out.AuthDate = time.Unix(sec, 0).UTC()
		if maxAge > 0 && now.Sub(out.AuthDate) > maxAge {
			return nil, ErrInitDataExpired
		}
	}

	userJSON := values.Get("user")
	if userJSON == "" {
		return nil, ErrInitDataNoUser
	}
	if err := json.Unmarshal([]byte(userJSON), &out.User); err != nil {
		return nil, fmt.Errorf("telegram: decode user: %w", err)
	}
	if out.User.ID == 0 {
		return nil, ErrInitDataNoUser
	}
	return out, nil
}

// dataCheckString joins every field except hash as sorted key=value lines.
func dataCheckString(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k != "hash" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+values.Get(k))
	}
	return strings.Join(lines, "\n")
}

// signInitData computes hex(HMAC_SHA256(HMAC_SHA256("WebAppData", token), dataCheckString)).
func signInitData(data, botToken string) string {
	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))
	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignInitData builds a signed init data query string. Used by tests and local tooling.
func SignInitData(values url.Values, botToken string) string {
	signed := url.Values{}
	for k, v := range values {
		signed[k] = v
	}
	signed.Set("hash", signInitData(dataCheckString(values), botToken))
	return signed.Encode()
}
