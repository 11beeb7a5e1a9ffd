package shardkeeper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

const testAPISecret = "0123456789abcdef0123456789abcdef"

type recordingNotifier struct {
	mu        sync.Mutex
	published []ControlMessage
}

func (n *recordingNotifier) ID() string {
	return "recording"
}

func (n *recordingNotifier) Publish(_ context.Context, msg ControlMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	msg.NotifierID = n.ID()
	n.published = append(n.published, msg)
	return nil
}

func (n *recordingNotifier) Listen(ctx context.Context, _ ControlHandler) error {
	<-ctx.Done()
	return nil
}

func (n *recordingNotifier) messages() []ControlMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]ControlMessage(nil), n.published...)
}

type testAPI struct {
	t        *testing.T
	api      *API
	tm       *testManager
	notifier *recordingNotifier
}

func testAPIConfig() *APIConfig {
	cfg := DefaultConfig().API
	cfg.Secret = testAPISecret
	cfg.RateLimit = 100
	cfg.RateBurst = 100
	return cfg
}

func newTestAPI(t *testing.T, config *APIConfig, tm *testManager, store Store) *testAPI {
	t.Helper()
	if config == nil {
		config = testAPIConfig()
	}
	notifier := &recordingNotifier{}
	api, err := newAPI(config, tm.manager, tm.probe, store, notifier)
	require.NoError(t, err)
	return &testAPI{t: t, api: api, tm: tm, notifier: notifier}
}

// do sends a request with the shared secret, unless secret is nil
func (a *testAPI) do(method string, path string, body any, secret *string) *httptest.ResponseRecorder {
	a.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(a.t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if secret != nil {
		req.Header.Set(SecretHeader, *secret)
	}
	w := httptest.NewRecorder()
	a.api.engine.ServeHTTP(w, req)
	return w
}

func (a *testAPI) authed(method string, path string, body any) *httptest.ResponseRecorder {
	secret := testAPISecret
	return a.do(method, path, body, &secret)
}

func ptr[T any](v T) *T {
	return &v
}

func decodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

func TestAPI_HealthCheck(t *testing.T) {
	t.Parallel()
	tm := newTestManager(t, nil, newFakeFetcher(4, 1, 1000), nil)
	a := newTestAPI(t, nil, tm, nil)

	w := a.do(http.MethodGet, apiHealthCheck, nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.False(t, decodeJSON[healthCheckResponse](t, w).Ready)
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))

	gen := startManager(t, tm)
	w = a.do(http.MethodGet, apiHealthCheck, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	health := decodeJSON[healthCheckResponse](t, w)
	assert.True(t, health.Ready)
	assert.Equal(t, gen.ID, health.GenerationID)
}

func TestAPI_Unauthorized(t *testing.T) {
	t.Parallel()
	tm := newTestManager(t, nil, newFakeFetcher(4, 1, 1000), nil)
	config := testAPIConfig()
	config.RateLimit = 0.001
	config.RateBurst = 1
	a := newTestAPI(t, config, tm, nil)
	gen := startManager(t, tm)
	spawns := tm.spawner.count(0)

	wrong := "not-the-secret"
	empty := ""
	requests := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodPost, apiPrefix + apiPathRecluster, nil},
		{http.MethodPost, apiPrefix + apiPathMaintenance, maintenancePayload{Enabled: ptr(true)}},
		{http.MethodPost, apiPrefix + "/clusters/0/stop", nil},
		{http.MethodPost, apiPrefix + "/guilds/81384788765712384/members", nil},
		{http.MethodGet, apiPrefix + apiPathStatus, nil},
		{http.MethodGet, apiPrefix + apiPathGatewayBot, nil},
	}
	for _, r := range requests {
		for _, secret := range []*string{nil, &wrong, &empty} {
			w := a.do(r.method, r.path, r.body, secret)
			assert.Equal(t, http.StatusUnauthorized, w.Code, "%s %s", r.method, r.path)
			assert.Equal(t, "unauthorized", decodeJSON[httpError](t, w).Error)
		}
	}

	live, ok := tm.manager.Live()
	require.True(t, ok)
	assert.Equal(t, gen.ID, live.ID)
	assert.Equal(t, GenerationReady, live.State())
	assert.False(t, tm.manager.Status().Reclustering)
	assert.False(t, tm.manager.Maintenance())
	assert.Equal(t, spawns, tm.spawner.count(0))
	assert.Empty(t, tm.listener.stopCodes(gen.ID))
	assert.Empty(t, tm.dialer.guildMemberRequests())
	assert.Empty(t, a.notifier.messages())

	// rejected requests didn't use up the rate limit
	w := a.authed(http.MethodPost, apiPrefix+apiPathMaintenance, maintenancePayload{Enabled: ptr(true)})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPI_NotFound(t *testing.T) {
	t.Parallel()
	tm := newTestManager(t, nil, newFakeFetcher(4, 1, 1000), nil)
	a := newTestAPI(t, nil, tm, nil)
	gen := startManager(t, tm)

	for _, path := range []string{"/nope", apiPrefix + "/nope", apiPrefix + "/clusters/0/restart"} {
		w := a.authed(http.MethodPost, path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
		assert.Equal(t, "not found", decodeJSON[httpError](t, w).Error)
	}
	w := a.do(http.MethodGet, "/debug/pprof/", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	live, _ := tm.manager.Live()
	assert.Equal(t, gen.ID, live.ID)
	assert.Empty(t, tm.listener.stopCodes(gen.ID))
	assert.Empty(t, a.notifier.messages())
}

func TestAPI_Status(t *testing.T) {
	t.Parallel()
	tm := newTestManager(t, nil, newFakeFetcher(8, 2, 1000), nil)
	a := newTestAPI(t, nil, tm, nil)
	gen := startManager(t, tm)

	w := a.authed(http.MethodGet, apiPrefix+apiPathStatus, nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decodeJSON[ManagerStatus](t, w)
	assert.Equal(t, gen.ID, status.GenerationID)
	assert.True(t, status.Ready)
	assert.Equal(t, GenerationReady, status.State)
	require.Len(t, status.Clusters, 1)
	assert.Len(t, status.Clusters[0].Workers, 2)
	assert.Len(t, status.Clusters[0].Shard, 8)
	assert.Len(t, status.Buckets, 2)
	require.NotNil(t, status.SessionLimit)
	assert.Equal(t, 2, status.SessionLimit.MaxConcurrency)
}

func TestAPI_Maintenance(t *testing.T) {
	t.Parallel()
	tm := newTestManager(t, nil, newFakeFetcher(4, 1, 1000), nil)
	a := newTestAPI(t, nil, tm, nil)
	startManager(t, tm)

	w := a.authed(http.MethodPost, apiPrefix+apiPathMaintenance, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, tm.manager.Maintenance())

	w = a.authed(http.MethodPost, apiPrefix+apiPathMaintenance, maintenancePayload{Enabled: ptr(true)})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "maintenance=true", decodeJSON[httpReply](t, w).Message)
	assert.True(t, tm.manager.Maintenance())
	tm.router.mu.Lock()
	assert.True(t, tm.router.maintenance)
	tm.router.mu.Unlock()

	msgs := a.notifier.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, ControlMaintenance, msgs[0].Command)
	assert.True(t, msgs[0].Enabled)

	w = a.do(http.MethodGet, apiHealthCheck, nil, nil)
	assert.True(t, decodeJSON[healthCheckResponse](t, w).Maintenance)
}

func TestAPI_Recluster(t *testing.T) {
	t.Parallel()
	tm := newTestManager(t, nil, newFakeFetcher(4, 1, 1000), nil)
	a := newTestAPI(t, nil, tm, nil)

	w := a.authed(http.MethodPost, apiPrefix+apiPathRecluster, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	first := startManager(t, tm)
	tm.dialer.setIdentifyDelay(50 * time.Millisecond)

	w = a.authed(http.MethodPost, apiPrefix+apiPathRecluster, reclusterPayload{All: true})
	require.Equal(t, http.StatusAccepted, w.Code)

	w = a.authed(http.MethodPost, apiPrefix+apiPathRecluster, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, decodeJSON[httpError](t, w).Error, ErrReclusterInProgress.Error())

	msgs := a.notifier.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, ControlRecluster, msgs[0].Command)

	require.Eventually(
		t,
		func() bool {
			live, ok := tm.manager.Live()
			return ok && live.ID != first.ID && !tm.manager.Status().Reclustering
		},
		10*time.Second,
		10*time.Millisecond,
	)
	require.Eventually(
		t,
		func() bool { return len(tm.listener.stopCodes(first.ID)) > 0 },
		5*time.Second,
		10*time.Millisecond,
	)
	assert.Equal(t, []int{StopCodeRecluster}, tm.listener.stopCodes(first.ID))
}

func TestAPI_RateLimit(t *testing.T) {
	t.Parallel()
	tm := newTestManager(t, nil, newFakeFetcher(4, 1, 1000), nil)
	config := testAPIConfig()
	config.RateLimit = 0.001
	config.RateBurst = 1
	a := newTestAPI(t, config, tm, nil)
	startManager(t, tm)

	w := a.authed(http.MethodPost, apiPrefix+apiPathMaintenance, maintenancePayload{Enabled: ptr(true)})
	require.Equal(t, http.StatusOK, w.Code)

	w = a.authed(http.MethodPost, apiPrefix+apiPathMaintenance, maintenancePayload{Enabled: ptr(false)})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.True(t, tm.manager.Maintenance())

	// reads aren't limited
	w = a.authed(http.MethodGet, apiPrefix+apiPathStatus, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPI_StopCluster(t *testing.T) {
	t.Parallel()
	tm := newTestManager(t, nil, newFakeFetcher(4, 1, 1000), nil)
	a := newTestAPI(t, nil, tm, nil)

	w := a.authed(http.MethodPost, apiPrefix+"/clusters/0/stop", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	gen := startManager(t, tm)

	w = a.authed(http.MethodPost, apiPrefix+"/clusters/abc/stop", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.authed(http.MethodPost, apiPrefix+"/clusters/0/stop", stopClusterPayload{Code: 6000})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.authed(http.MethodPost, apiPrefix+"/clusters/7/stop", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, decodeJSON[httpError](t, w).Error, ErrUnknownCluster.Error())

	w = a.authed(
		http.MethodPost,
		apiPrefix+"/clusters/1/stop",
		stopClusterPayload{GenerationID: "gen_elsewhere", Code: 4100},
	)
	require.Equal(t, http.StatusAccepted, w.Code)
	msgs := a.notifier.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, ControlStopCluster, msgs[0].Command)
	assert.Equal(t, "gen_elsewhere", msgs[0].GenerationID)
	assert.Equal(t, 1, msgs[0].ClusterID)
	assert.Equal(t, 4100, msgs[0].Code)
	assert.Empty(t, tm.listener.stopCodes(gen.ID))

	w = a.authed(http.MethodPost, apiPrefix+"/clusters/0/stop", stopClusterPayload{GenerationID: gen.ID})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cluster 0 stopped", decodeJSON[httpReply](t, w).Message)
	assert.Equal(t, []int{StopCodeRequested}, tm.listener.stopCodes(gen.ID))
	assert.Len(t, a.notifier.messages(), 1)
}

func TestAPI_StopClusterWithoutNotifier(t *testing.T) {
	t.Parallel()
	tm := newTestManager(t, nil, newFakeFetcher(4, 1, 1000), nil)
	api, err := newAPI(testAPIConfig(), tm.manager, tm.probe, nil, nil)
	require.NoError(t, err)
	a := &testAPI{t: t, api: api, tm: tm, notifier: &recordingNotifier{}}
	startManager(t, tm)

	w := a.authed(http.MethodPost, apiPrefix+"/clusters/0/stop", stopClusterPayload{GenerationID: "gen_elsewhere"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, decodeJSON[httpError](t, w).Error, ErrStaleGeneration.Error())

	w = a.authed(http.MethodPost, apiPrefix+apiPathMaintenance, maintenancePayload{Enabled: ptr(true)})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPI_GuildMembers(t *testing.T) {
	t.Parallel()
	tm := newTestManager(t, nil, newFakeFetcher(8, 2, 1000), nil)
	a := newTestAPI(t, nil, tm, nil)

	path := apiPrefix + "/guilds/81384788765712384/members"
	w := a.authed(http.MethodPost, path, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	startManager(t, tm)

	w = a.authed(http.MethodPost, apiPrefix+"/guilds/not-a-snowflake/members", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.authed(http.MethodPost, path, guildMembersPayload{Limit: 500})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.authed(http.MethodPost, path, guildMembersPayload{Query: "ar", Limit: 10})
	require.Equal(t, http.StatusAccepted, w.Code)
	resp := decodeJSON[guildMembersResponse](t, w)
	assert.Equal(t, "81384788765712384", resp.GuildID)
	assert.Equal(t, 2, resp.ShardID)

	require.Eventually(
		t,
		func() bool { return len(tm.dialer.guildMemberRequests()) == 1 },
		5*time.Second,
		5*time.Millisecond,
	)
	assert.Equal(t, []string{"81384788765712384"}, tm.dialer.guildMemberRequests())
}

func TestAPI_GatewayBot(t *testing.T) {
	t.Parallel()
	tm := newTestManager(t, nil, newFakeFetcher(16, 4, 900), nil)
	a := newTestAPI(t, nil, tm, nil)

	w := a.authed(http.MethodGet, apiPrefix+apiPathGatewayBot, nil)
	require.Equal(t, http.StatusOK, w.Code)
	limit := decodeJSON[SessionLimit](t, w)
	assert.Equal(t, 16, limit.TotalShards)
	assert.Equal(t, 4, limit.MaxConcurrency)
	assert.Equal(t, 900, limit.Remaining)

	tm.fetcher.mu.Lock()
	tm.fetcher.err = errors.New("discord unavailable")
	tm.fetcher.mu.Unlock()
	w = a.authed(http.MethodGet, apiPrefix+apiPathGatewayBot, nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, decodeJSON[httpError](t, w).Error, "discord unavailable")
}

func TestAPI_History(t *testing.T) {
	t.Parallel()
	store := NewStore(newTestDB(t), testLogger())
	tm := newTestManager(t, nil, newFakeFetcher(4, 1, 1000), store)
	tm.manager.AddListener(newLifecycleRecorder(store, testLogger()))
	a := newTestAPI(t, nil, tm, store)
	gen := startManager(t, tm)

	w := a.authed(http.MethodGet, apiPrefix+apiPathGenerations, nil)
	require.Equal(t, http.StatusOK, w.Code)
	recs := decodeJSON[[]GenerationRecord](t, w)
	require.Len(t, recs, 1)
	assert.Equal(t, gen.ID, recs[0].ID)
	assert.Equal(t, string(GenerationReady), recs[0].State)

	w = a.authed(http.MethodGet, apiPrefix+apiPathGenerations+"?limit=5000", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var events []LifecycleEvent
	require.Eventually(
		t,
		func() bool {
			w = a.authed(http.MethodGet, apiPrefix+"/generations/"+gen.ID+"/events", nil)
			if w.Code != http.StatusOK {
				return false
			}
			events = decodeJSON[[]LifecycleEvent](t, w)
			return len(events) == 5
		},
		5*time.Second,
		10*time.Millisecond,
	)
	kinds := map[LifecycleKind]int{}
	for _, ev := range events {
		assert.Equal(t, gen.ID, ev.GenerationID)
		kinds[ev.Kind]++
	}
	assert.Equal(t, 1, kinds[LifecycleKindReady])
	assert.Equal(t, 4, kinds[LifecycleKindShardReady])

	w = a.authed(http.MethodGet, apiPrefix+"/generations/gen_unknown/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeJSON[[]LifecycleEvent](t, w))
}

func TestAPI_Metrics(t *testing.T) {
	t.Parallel()
	tm := newTestManager(t, nil, newFakeFetcher(4, 1, 1000), nil)
	a := newTestAPI(t, nil, tm, nil)

	a.do(http.MethodGet, apiHealthCheck, nil, nil)
	a.do(http.MethodGet, apiHealthCheck, nil, nil)
	a.do(http.MethodGet, "/nope", nil, nil)

	w := a.authed(http.MethodGet, apiPrefix+apiPathMetrics, nil)
	require.Equal(t, http.StatusOK, w.Code)
	metrics := decodeJSON[map[string]int](t, w)
	assert.Equal(t, 2, metrics["GET "+apiHealthCheck])
	assert.Equal(t, 1, metrics["GET unmatched"])
}

func TestAPI_Development(t *testing.T) {
	t.Parallel()
	tm := newTestManager(t, nil, newFakeFetcher(4, 1, 1000), nil)
	config := testAPIConfig()
	config.Development = true
	a := newTestAPI(t, config, tm, nil)

	w := a.do(http.MethodGet, pprofPrefix+"/", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPI_Serve(t *testing.T) {
	t.Parallel()
	tm := newTestManager(t, nil, newFakeFetcher(4, 1, 1000), nil)
	config := testAPIConfig()
	config.Listen = "127.0.0.1:0"
	a := newTestAPI(t, config, tm, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.api.Listen(ctx))
	served := make(chan error, 1)
	go func() {
		served <- a.api.Serve(ctx)
	}()

	resp, err := http.Get("http://" + a.api.listener.Addr().String() + apiHealthCheck)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	require.NoError(t, a.api.httpServer.Shutdown(shutdownCtx))
	assert.ErrorIs(t, <-served, http.ErrServerClosed)
}
