package auth

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdmission(t *testing.T) (*Admission, *NonceStore) {
	t.Helper()
	nonces := NewNonceStore(300*time.Second, 1000)
	t.Cleanup(nonces.Close)
	return NewAdmission("key-1", "secret-1", 300*time.Second, nonces), nonces
}

func signedHeaders(secret string, body []byte, now time.Time, nonce string) Headers {
	ts := strconv.FormatInt(now.Unix(), 10)
	return Headers{
		APIKey:    "key-1",
		Timestamp: ts,
		Nonce:     nonce,
		Signature: Sign(secret, ts, nonce, body),
	}
}

func TestVerifyHappyPath(t *testing.T) {
	adm, _ := newTestAdmission(t)
	now := time.Now()
	body := []byte(`{"query":"q"}`)
	require.NoError(t, adm.Verify(signedHeaders("secret-1", body, now, "n1"), body, now))
}

func TestVerifyMissingHeaders(t *testing.T) {
	adm, _ := newTestAdmission(t)
	err := adm.Verify(Headers{APIKey: "key-1"}, nil, time.Now())
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestVerifyWrongKey(t *testing.T) {
	adm, _ := newTestAdmission(t)
	now := time.Now()
	h := signedHeaders("secret-1", nil, now, "n1")
	h.APIKey = "wrong"
	assert.ErrorIs(t, adm.Verify(h, nil, now), ErrInvalidAPIKey)
}

func TestVerifyTimestampOutOfRange(t *testing.T) {
	adm, _ := newTestAdmission(t)
	now := time.Now()

	old := now.Add(-301 * time.Second)
	h := signedHeaders("secret-1", nil, old, "n1")
	assert.ErrorIs(t, adm.Verify(h, nil, now), ErrTimestampRange)

	future := now.Add(301 * time.Second)
	h = signedHeaders("secret-1", nil, future, "n2")
	assert.ErrorIs(t, adm.Verify(h, nil, now), ErrTimestampRange)

	h = signedHeaders("secret-1", nil, now, "n3")
	h.Timestamp = "not-a-number"
	assert.ErrorIs(t, adm.Verify(h, nil, now), ErrTimestampRange)
}

func TestVerifyBadSignature(t *testing.T) {
	adm, _ := newTestAdmission(t)
	now := time.Now()
	body := []byte("body")
	h := signedHeaders("wrong-secret", body, now, "n1")
	assert.ErrorIs(t, adm.Verify(h, body, now), ErrBadSignature)
}

func TestVerifySignatureCoversBody(t *testing.T) {
	adm, _ := newTestAdmission(t)
	now := time.Now()
	h := signedHeaders("secret-1", []byte("original"), now, "n1")
	assert.ErrorIs(t, adm.Verify(h, []byte("tampered"), now), ErrBadSignature)
}

func TestVerifyNonceReplay(t *testing.T) {
	adm, _ := newTestAdmission(t)
	now := time.Now()
	body := []byte("b")

	h := signedHeaders("secret-1", body, now, "same-nonce")
	require.NoError(t, adm.Verify(h, body, now))
	assert.ErrorIs(t, adm.Verify(h, body, now), ErrReplay)
}

func TestVerifyRejectedRequestDoesNotBurnNonce(t *testing.T) {
	adm, _ := newTestAdmission(t)
	now := time.Now()
	body := []byte("b")

	bad := signedHeaders("wrong-secret", body, now, "n-keep")
	require.Error(t, adm.Verify(bad, body, now))

	good := signedHeaders("secret-1", body, now, "n-keep")
	assert.NoError(t, adm.Verify(good, body, now))
}

func TestNonceStoreTTLExpiry(t *testing.T) {
	s := NewNonceStore(1*time.Second, 100)
	defer s.Close()

	now := time.Now()
	require.True(t, s.CheckAndStore("n", now))
	require.False(t, s.CheckAndStore("n", now))
	assert.True(t, s.CheckAndStore("n", now.Add(2*time.Second)))
}

func TestNonceStoreEvictsOldestAtCap(t *testing.T) {
	s := NewNonceStore(time.Hour, 3)
	defer s.Close()

	base := time.Now()
	require.True(t, s.CheckAndStore("a", base))
	require.True(t, s.CheckAndStore("b", base.Add(time.Millisecond)))
	require.True(t, s.CheckAndStore("c", base.Add(2*time.Millisecond)))
	require.True(t, s.CheckAndStore("d", base.Add(3*time.Millisecond)))

	assert.Equal(t, 3, s.Len())
	// "a" was the oldest; it can be used again after eviction.
	assert.True(t, s.CheckAndStore("a", base.Add(4*time.Millisecond)))
}

func TestNonceStoreCompact(t *testing.T) {
	s := NewNonceStore(1*time.Second, 100)
	defer s.Close()

	now := time.Now()
	s.CheckAndStore("x", now)
	s.compact(now.Add(2 * time.Second))
	assert.Equal(t, 0, s.Len())
}

func TestJWTIssueAndValidate(t *testing.T) {
	m, err := NewJWTManager()
	require.NoError(t, err)

	token, exp, err := m.IssueToken("ops", RoleReviewer, 30*time.Minute)
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, RoleReviewer, claims.Role)
}

func TestJWTTTLCapped(t *testing.T) {
	m, err := NewJWTManager()
	require.NoError(t, err)
	_, exp, err := m.IssueToken("ops", RoleReviewer, 48*time.Hour)
	require.NoError(t, err)
	assert.LessOrEqual(t, time.Until(exp), MaxTokenTTL+time.Minute)
}

func TestJWTRejectsForeignToken(t *testing.T) {
	m1, err := NewJWTManager()
	require.NoError(t, err)
	m2, err := NewJWTManager()
	require.NoError(t, err)

	token, _, err := m1.IssueToken("ops", RoleReviewer, time.Minute)
	require.NoError(t, err)
	_, err = m2.ValidateToken(token)
	assert.Error(t, err)
}
