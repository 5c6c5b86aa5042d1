package telegram

import (
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testBotToken = "123456:TEST-TOKEN"

var testNow = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func signedInitData(authDate time.Time, user string) string {
	v := url.Values{}
	v.Set("auth_date", strconv.FormatInt(authDate.Unix(), 10))
	v.Set("query_id", "AAE")
	v.Set("start_param", "ref_ABCD2345")
	v.Set("user", user)
	return SignInitData(v, testBotToken)
}

func TestValidateInitData_OK(t *testing.T) {
	raw := signedInitData(testNow.Add(-time.Hour), `{"id":42,"first_name":"Ann","username":"ann"}`)

	data, err := ValidateInitData(raw, testBotToken, 24*time.Hour, testNow)
	require.NoError(t, err)
	require.Equal(t, int64(42), data.User.ID)
	require.Equal(t, "ann", data.User.Username)
	require.Equal(t, "ref_ABCD2345", data.StartParam)
	require.True(t, data.AuthDate.Equal(testNow.Add(-time.Hour)))
}

func TestValidateInitData_WrongToken(t *testing.T) {
	raw := signedInitData(testNow, `{"id":42}`)

	_, err := ValidateInitData(raw, "other-token", 0, testNow)
	require.ErrorIs(t, err, ErrInitDataBadHash)
}

func TestValidateInitData_Tampered(t *testing.T) {
	v, err := url.ParseQuery(signedInitData(testNow, `{"id":42}`))
	require.NoError(t, err)
	v.Set("user", `{"id":43}`)

	_, err = ValidateInitData(v.Encode(), testBotToken, 0, testNow)
	require.ErrorIs(t, err, ErrInitDataBadHash)
}

func TestValidateInitData_Expired(t *testing.T) {
	raw := signedInitData(testNow.Add(-25*time.Hour), `{"id":42}`)

	_, err := ValidateInitData(raw, testBotToken, 24*time.Hour, testNow)
	require.ErrorIs(t, err, ErrInitDataExpired)

	_, err = ValidateInitData(raw, testBotToken, 0, testNow)
	require.NoError(t, err)
}

func TestValidateInitData_MissingParts(t *testing.T) {
	_, err := ValidateInitData("auth_date=1&user=%7B%7D", testBotToken, 0, testNow)
	require.ErrorIs(t, err, ErrInitDataMissingHash)

	v := url.Values{}
	v.Set("auth_date", strconv.FormatInt(testNow.Unix(), 10))
	_, err = ValidateInitData(SignInitData(v, testBotToken), testBotToken, 0, testNow)
	require.ErrorIs(t, err, ErrInitDataNoUser)
}
