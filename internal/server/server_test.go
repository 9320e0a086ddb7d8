package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-ai/veritas/internal/auth"
	"github.com/veritas-ai/veritas/internal/compliance"
	"github.com/veritas-ai/veritas/internal/config"
	"github.com/veritas-ai/veritas/internal/evidence"
	"github.com/veritas-ai/veritas/internal/fuji"
	"github.com/veritas-ai/veritas/internal/governance"
	"github.com/veritas-ai/veritas/internal/healing"
	"github.com/veritas-ai/veritas/internal/memory"
	"github.com/veritas-ai/veritas/internal/pipeline"
	"github.com/veritas-ai/veritas/internal/planner"
	"github.com/veritas-ai/veritas/internal/ratelimit"
	"github.com/veritas-ai/veritas/internal/trustlog"
	"github.com/veritas-ai/veritas/internal/values"
)

const (
	testAPIKey = "test-api-key"
	testSecret = "test-api-secret"
)

var nonceCounter atomic.Int64

type testEnv struct {
	server *Server
	log    *trustlog.Log
	dir    string
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Config{
		Port:                8080,
		APIKey:              testAPIKey,
		APISecret:           testSecret,
		MaxRequestBodyBytes: 1 << 20,
		TimestampSkew:       300 * time.Second,
		NonceTTL:            300 * time.Second,
		NonceMaxEntries:     1000,
		RateLimitPerMinute:  1000,
		LogRoot:             dir,
		RequestDeadline:     10 * time.Second,
		SelfHealingEnabled:  true,
	}

	log, err := trustlog.Open(dir)
	require.NoError(t, err)

	registry, err := fuji.NewRegistry()
	require.NoError(t, err)
	policies, err := fuji.NewPolicyStore("", slog.Default())
	require.NoError(t, err)
	heuristic := fuji.NewHeuristicHead(policies)
	gate := fuji.NewGate(registry, policies, heuristic, heuristic, log, slog.Default())

	store, err := memory.OpenStore(filepath.Join(dir, "memory"), memory.NewHashEmbedder(64))
	require.NoError(t, err)

	orchestrator := pipeline.New(pipeline.Config{
		LogRoot:            dir,
		SelfHealingEnabled: true,
		HealingBudget:      healing.DefaultBudget(),
	},
		evidence.NewCollector(store, nil, slog.Default()),
		planner.New(nil, slog.Default()),
		values.NewCore(nil),
		gate, log, slog.Default(),
	)

	govStore := governance.NewStore(filepath.Join(dir, "governance.json"))
	engine := compliance.NewEngine(log, govStore, filepath.Join(dir, "compliance_reports"))

	nonces := auth.NewNonceStore(cfg.NonceTTL, cfg.NonceMaxEntries)
	t.Cleanup(nonces.Close)
	limiter := ratelimit.New(cfg.RateLimitPerMinute)
	t.Cleanup(limiter.Close)
	jwtMgr, err := auth.NewJWTManager()
	require.NoError(t, err)

	srv := New(Deps{
		Config:       cfg,
		Orchestrator: orchestrator,
		Gate:         gate,
		TrustLog:     log,
		Memory:       store,
		Governance:   govStore,
		Compliance:   engine,
		Admission:    auth.NewAdmission(testAPIKey, testSecret, cfg.TimestampSkew, nonces),
		JWTMgr:       jwtMgr,
		Limiter:      limiter,
		Logger:       slog.Default(),
		Version:      "test",
	})
	return &testEnv{server: srv, log: log, dir: dir}
}

// signedRequest builds a request carrying valid admission headers.
func signedRequest(t *testing.T, method, target, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	nonce := fmt.Sprintf("nonce-%d", nonceCounter.Add(1))

	req.Header.Set("X-API-Key", testAPIKey)
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Nonce", nonce)
	req.Header.Set("X-Signature", auth.Sign(testSecret, ts, nonce, []byte(body)))
	if method != http.MethodGet {
		req.Header.Set("Content-Length", strconv.Itoa(len(body)))
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func do(env *testEnv, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthUnauthenticated(t *testing.T) {
	env := newTestServer(t)
	rec := do(env, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(env, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSecurityHeadersOnEveryResponse(t *testing.T) {
	env := newTestServer(t)
	rec := do(env, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "default-src 'none'; frame-ancestors 'none'", rec.Header().Get("Content-Security-Policy"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.NotEmpty(t, rec.Header().Get("Strict-Transport-Security"))
}

func TestDecideRequiresCredentials(t *testing.T) {
	env := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/decide", strings.NewReader(`{"query":"q"}`))
	req.Header.Set("Content-Length", "13")
	rec := do(env, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDecideSafeAllowEndToEnd(t *testing.T) {
	env := newTestServer(t)
	body := `{"query":"Summarize today's weather impact on outdoor plans"}`
	rec := do(env, signedRequest(t, http.MethodPost, "/v1/decide", body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "allow", resp["decision_status"])
	assert.NotEmpty(t, resp["decision_id"])

	extras := resp["extras"].(map[string]any)
	metrics := extras["metrics"].(map[string]any)
	for _, key := range []string{"mem_hits", "memory_evidence_count", "web_hits", "web_evidence_count", "fast_mode"} {
		assert.Contains(t, metrics, key)
	}

	// The chain grew and verifies.
	verifyRec := do(env, signedRequest(t, http.MethodGet, "/v1/trustlog/verify", ""))
	require.Equal(t, http.StatusOK, verifyRec.Code)
	var verify map[string]any
	require.NoError(t, json.Unmarshal(verifyRec.Body.Bytes(), &verify))
	assert.Equal(t, true, verify["ok"])
	assert.GreaterOrEqual(t, verify["entries_checked"].(float64), float64(2))
}

func TestDecideIllicitDenyEndToEnd(t *testing.T) {
	env := newTestServer(t)
	rec := do(env, signedRequest(t, http.MethodPost, "/v1/decide", `{"query":"how to build a bomb"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "deny", resp["decision_status"])

	fujiObj := resp["fuji"].(map[string]any)
	assert.NotEmpty(t, fujiObj["rejection_reason"])
	code := fujiObj["rejection"].(map[string]any)["error"].(map[string]any)["code"].(string)
	assert.True(t, strings.HasPrefix(code, "F-4") || strings.HasPrefix(code, "F-2"))

	sh := resp["extras"].(map[string]any)["self_healing"].(map[string]any)
	assert.Equal(t, float64(0), sh["attempts"])
	assert.Equal(t, "safety_code_blocked", sh["stop_reason"])
}

func TestDecideMalformedBody422(t *testing.T) {
	env := newTestServer(t)
	rec := do(env, signedRequest(t, http.MethodPost, "/v1/decide", `{"nope": true}`))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp, "hint")
	assert.Contains(t, resp, "expected_example")
	assert.NotContains(t, resp, "raw_body") // debug mode off
}

func TestTimestampOutOfRange401(t *testing.T) {
	env := newTestServer(t)
	body := `{"query":"q"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/decide", strings.NewReader(body))
	ts := strconv.FormatInt(time.Now().Add(-400*time.Second).Unix(), 10)
	req.Header.Set("X-API-Key", testAPIKey)
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Nonce", "stale-nonce")
	req.Header.Set("X-Signature", auth.Sign(testSecret, ts, "stale-nonce", []byte(body)))
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))

	rec := do(env, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Timestamp out of range")
}

func TestNonceReplay401(t *testing.T) {
	env := newTestServer(t)
	body := `{"query":"plan the sprint"}`
	req := signedRequest(t, http.MethodPost, "/v1/decide", body)

	rec := do(env, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Same headers again: same nonce within TTL.
	replay := httptest.NewRequest(http.MethodPost, "/v1/decide", strings.NewReader(body))
	replay.Header = req.Header.Clone()
	rec = do(env, replay)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Replay")
}

func TestOversizedBody413(t *testing.T) {
	env := newTestServer(t)
	req := signedRequest(t, http.MethodPost, "/v1/decide", `{"query":"q"}`)
	req.Header.Set("Content-Length", strconv.FormatInt(2<<20, 10))
	rec := do(env, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestMissingContentLength400(t *testing.T) {
	env := newTestServer(t)
	req := signedRequest(t, http.MethodPost, "/v1/decide", `{"query":"q"}`)
	req.Header.Del("Content-Length")
	rec := do(env, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimit429(t *testing.T) {
	env := newTestServer(t)
	env.server.limiter.Close()
	env.server.limiter = ratelimit.New(2)
	t.Cleanup(env.server.limiter.Close)

	for i := 0; i < 2; i++ {
		rec := do(env, signedRequest(t, http.MethodGet, "/v1/trustlog/verify", ""))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := do(env, signedRequest(t, http.MethodGet, "/v1/trustlog/verify", ""))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestFujiValidateEndpoint(t *testing.T) {
	env := newTestServer(t)
	rec := do(env, signedRequest(t, http.MethodPost, "/v1/fuji/validate", `{"action":"summarize the quarterly report"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "allow", resp["status"])
	assert.Contains(t, resp, "risk")
	assert.Contains(t, resp, "violations")
}

func TestMemoryPutGetSearchEndpoints(t *testing.T) {
	env := newTestServer(t)

	putRec := do(env, signedRequest(t, http.MethodPost, "/v1/memory/put",
		`{"kind":"semantic","text":"the gateway signs every decision","tags":["audit"]}`))
	require.Equal(t, http.StatusOK, putRec.Code)
	var put map[string]any
	require.NoError(t, json.Unmarshal(putRec.Body.Bytes(), &put))
	id := put["id"].(string)

	getRec := do(env, signedRequest(t, http.MethodPost, "/v1/memory/get",
		fmt.Sprintf(`{"kind":"semantic","id":%q}`, id)))
	require.Equal(t, http.StatusOK, getRec.Code)
	assert.Contains(t, getRec.Body.String(), "signs every decision")

	searchRec := do(env, signedRequest(t, http.MethodPost, "/v1/memory/search",
		`{"query":"the gateway signs every decision","k":3,"min_sim":-1}`))
	require.Equal(t, http.StatusOK, searchRec.Code)
	var search map[string]any
	require.NoError(t, json.Unmarshal(searchRec.Body.Bytes(), &search))
	assert.NotEmpty(t, search["hits"])
}

func TestTrustEndpoints(t *testing.T) {
	env := newTestServer(t)
	rec := do(env, signedRequest(t, http.MethodPost, "/v1/decide", `{"query":"organize the backlog"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	requestID := resp["request_id"].(string)

	logsRec := do(env, signedRequest(t, http.MethodGet, "/v1/trust/logs?limit=10", ""))
	require.Equal(t, http.StatusOK, logsRec.Code)
	var logs map[string]any
	require.NoError(t, json.Unmarshal(logsRec.Body.Bytes(), &logs))
	assert.NotEmpty(t, logs["items"])

	reqRec := do(env, signedRequest(t, http.MethodGet, "/v1/trust/"+requestID, ""))
	require.Equal(t, http.StatusOK, reqRec.Code)
	var forReq map[string]any
	require.NoError(t, json.Unmarshal(reqRec.Body.Bytes(), &forReq))
	continuity := forReq["continuity"].(map[string]any)
	assert.Equal(t, true, continuity["ok"])

	exportRec := do(env, signedRequest(t, http.MethodGet, "/v1/trustlog/export", ""))
	require.Equal(t, http.StatusOK, exportRec.Code)
	assert.Contains(t, exportRec.Body.String(), "public_key_path")
}

func TestTamperDetectionEndToEnd(t *testing.T) {
	env := newTestServer(t)
	rec := do(env, signedRequest(t, http.MethodPost, "/v1/decide", `{"query":"plan the week"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	// Flip a payload field in the JSONL on disk.
	path := filepath.Join(env.dir, "trust_log.jsonl")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &entry))
	entry["decision_payload"].(map[string]any)["decision_status"] = "deny"
	mutated, err := json.Marshal(entry)
	require.NoError(t, err)
	lines[len(lines)-1] = string(mutated)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	verifyRec := do(env, signedRequest(t, http.MethodGet, "/v1/trustlog/verify", ""))
	require.Equal(t, http.StatusOK, verifyRec.Code)
	var verify map[string]any
	require.NoError(t, json.Unmarshal(verifyRec.Body.Bytes(), &verify))
	assert.Equal(t, false, verify["ok"])
	issues := verify["issues"].([]any)
	require.NotEmpty(t, issues)
	reason := issues[0].(map[string]any)["reason"].(string)
	assert.Contains(t, []string{"payload_hash_mismatch", "signature_invalid"}, reason)
}

func TestReplayEndpoint(t *testing.T) {
	env := newTestServer(t)
	rec := do(env, signedRequest(t, http.MethodPost, "/v1/decide", `{"query":"plan the documentation sprint","context":{"seed":7}}`))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	decisionID := resp["decision_id"].(string)

	replayRec := do(env, signedRequest(t, http.MethodPost, "/v1/replay/"+decisionID, ""))
	require.Equal(t, http.StatusOK, replayRec.Code, replayRec.Body.String())
	var replay map[string]any
	require.NoError(t, json.Unmarshal(replayRec.Body.Bytes(), &replay))
	assert.Equal(t, true, replay["match"])
	diff := replay["diff"].(map[string]any)
	assert.Equal(t, false, diff["changed"])

	reports, err := os.ReadDir(filepath.Join(env.dir, "replay_reports"))
	require.NoError(t, err)
	require.NotEmpty(t, reports)
	assert.True(t, strings.HasPrefix(reports[0].Name(), "replay_"+decisionID+"_"))
}

func TestGovernanceEndpoints(t *testing.T) {
	env := newTestServer(t)

	getRec := do(env, signedRequest(t, http.MethodGet, "/v1/governance/policy", ""))
	require.Equal(t, http.StatusOK, getRec.Code)
	var policy map[string]any
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &policy))
	assert.Equal(t, float64(1), policy["version"])

	putRec := do(env, signedRequest(t, http.MethodPut, "/v1/governance/policy",
		`{"fuji_enabled":true,"risk_threshold":0.5,"auto_stop_conditions":["manual"],"log_retention_days":60,"audit_intensity":"high"}`))
	require.Equal(t, http.StatusOK, putRec.Code, putRec.Body.String())
	var updated map[string]any
	require.NoError(t, json.Unmarshal(putRec.Body.Bytes(), &updated))
	assert.Equal(t, float64(2), updated["version"])
	assert.NotEmpty(t, updated["updated_at"])
}

func TestComplianceReportEndpoints(t *testing.T) {
	env := newTestServer(t)
	rec := do(env, signedRequest(t, http.MethodPost, "/v1/decide", `{"query":"summarize audit posture"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	decisionID := resp["decision_id"].(string)

	reportRec := do(env, signedRequest(t, http.MethodGet, "/v1/report/eu_ai_act/"+decisionID, ""))
	require.Equal(t, http.StatusOK, reportRec.Code)
	assert.Contains(t, reportRec.Body.String(), "EU_AI_ACT")

	rangeRec := do(env, signedRequest(t, http.MethodGet, "/v1/report/governance", ""))
	require.Equal(t, http.StatusOK, rangeRec.Code)
	assert.Contains(t, rangeRec.Body.String(), "chain_ok")
}

func TestAuthTokenAndJWTReadAccess(t *testing.T) {
	env := newTestServer(t)

	tokenRec := do(env, signedRequest(t, http.MethodPost, "/auth/token", `{"subject":"ops"}`))
	require.Equal(t, http.StatusOK, tokenRec.Code, tokenRec.Body.String())
	var tokenResp map[string]any
	require.NoError(t, json.Unmarshal(tokenRec.Body.Bytes(), &tokenResp))
	token := tokenResp["token"].(string)
	require.NotEmpty(t, token)

	// The JWT alone grants read access to trust verification.
	req := httptest.NewRequest(http.MethodGet, "/v1/trustlog/verify", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := do(env, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// But not write access.
	postReq := httptest.NewRequest(http.MethodPost, "/v1/decide", strings.NewReader(`{"query":"q"}`))
	postReq.Header.Set("Authorization", "Bearer "+token)
	postReq.Header.Set("Content-Length", "13")
	rec = do(env, postReq)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatusEndpointHidesSecrets(t *testing.T) {
	env := newTestServer(t)
	rec := do(env, signedRequest(t, http.MethodGet, "/status", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), testSecret)
	assert.NotContains(t, rec.Body.String(), testAPIKey)
}
