package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pairengine/internal/commission"
	"pairengine/internal/engine"
	"pairengine/internal/ledger"
	"pairengine/internal/report"
	"pairengine/internal/session"
	"pairengine/internal/settings"
	"pairengine/internal/testutil"
	"pairengine/internal/tree"
	"pairengine/internal/wallet"
)

func newTestServer(t *testing.T, basePath string) http.Handler {
	t.Helper()
	store := testutil.NewStore(t)
	logger := testutil.Logger()
	retry := testutil.Retry()

	cfgStore := settings.NewStore(store, logger)
	_, err := cfgStore.EnsureDefaults(context.Background())
	require.NoError(t, err)

	dist := commission.New(store, retry, nil, logger)
	eng := engine.New(store, dist, engine.Options{Workers: 2, Retry: retry}, nil, logger)
	reports := report.NewService(store, nil, 0, logger)
	sched := session.New(store, cfgStore, eng, dist, nil, reports, session.Options{Location: time.UTC}, nil, logger)

	srv := New(":0", logger, nil, Dependencies{
		Repository:  store,
		Settings:    cfgStore,
		Ledger:      ledger.New(store, cfgStore, time.UTC, retry, logger),
		Tree:        tree.New(store, retry, logger),
		Wallets:     wallet.NewService(store, logger),
		Reports:     reports,
		Scheduler:   sched,
		Distributor: dist,
	}, basePath)
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t, "")
	code, body := do(t, h, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body["status"])

	code, body = do(t, h, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body["database"])
}

func TestRegisterAndPurchase(t *testing.T) {
	h := newTestServer(t, "")

	code, root := do(t, h, http.MethodPost, "/members", map[string]any{"external_ref": "root"})
	require.Equal(t, http.StatusCreated, code)
	rootID := int64(root["id"].(float64))

	code, child := do(t, h, http.MethodPost, "/members", map[string]any{
		"external_ref": "child", "sponsor_id": rootID, "parent_id": rootID, "side": "left",
	})
	require.Equal(t, http.StatusCreated, code)
	childID := int64(child["id"].(float64))

	code, _ = do(t, h, http.MethodPost, "/members", map[string]any{
		"external_ref": "twin", "sponsor_id": rootID, "parent_id": rootID, "side": "L",
	})
	require.Equal(t, http.StatusBadRequest, code, "left slot is taken")

	event := map[string]any{"order_ref": "o-1", "user_id": childID, "package_code": "SILVER", "kind": "purchase", "bv": "100"}
	code, receipt := do(t, h, http.MethodPost, "/events/purchase", event)
	require.Equal(t, http.StatusCreated, code)
	require.EqualValues(t, 1, receipt["pv_entries"], "one entry per ancestor")
	require.Equal(t, true, receipt["bv_posted"])

	code, receipt = do(t, h, http.MethodPost, "/events/purchase", event)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, receipt["replayed"])

	code, pv := do(t, h, http.MethodGet, "/members/"+itoa(rootID)+"/ledger/pv", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, pv["entries"], 1)
	entry := pv["entries"].([]any)[0].(map[string]any)
	require.Equal(t, "L", entry["side"])
	require.Equal(t, "o-1", entry["order_ref"])

	code, bv := do(t, h, http.MethodGet, "/members/"+itoa(childID)+"/ledger/bv", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, bv["entries"], 1)

	code, _ = do(t, h, http.MethodGet, "/members/999/ledger/pv", nil)
	require.Equal(t, http.StatusNotFound, code)

	event["bv"] = "150"
	code, _ = do(t, h, http.MethodPost, "/events/purchase", event)
	require.Equal(t, http.StatusConflict, code)

	code, _ = do(t, h, http.MethodPost, "/events/purchase", map[string]any{"order_ref": "o-2", "user_id": childID, "kind": "gift"})
	require.Equal(t, http.StatusBadRequest, code)
}

func TestWalletRoutes(t *testing.T) {
	h := newTestServer(t, "")
	_, root := do(t, h, http.MethodPost, "/members", map[string]any{"external_ref": "root"})
	id := int64(root["id"].(float64))

	code, w := do(t, h, http.MethodGet, "/members/"+itoa(id)+"/wallet", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "0", w["income"])

	code, _ = do(t, h, http.MethodGet, "/members/999/wallet", nil)
	require.Equal(t, http.StatusNotFound, code)
	code, _ = do(t, h, http.MethodGet, "/members/abc/wallet", nil)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, h, http.MethodPost, "/members/"+itoa(id)+"/wallet/withdrawals", map[string]any{"amount": "10", "reference": "w1"})
	require.Equal(t, http.StatusBadRequest, code, "insufficient balance")

	code, txs := do(t, h, http.MethodGet, "/members/"+itoa(id)+"/wallet/transactions", nil)
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, txs["transactions"])
}

func TestAdminRoutes(t *testing.T) {
	h := newTestServer(t, "/engine")

	code, cfg := do(t, h, http.MethodGet, "/engine/admin/config", nil)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 1, cfg["version"])

	code, _ = do(t, h, http.MethodPut, "/engine/admin/config", map[string]any{"packages": []any{}})
	require.Equal(t, http.StatusUnprocessableEntity, code)

	code, body := do(t, h, http.MethodPost, "/engine/admin/engine/stop", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, body["enabled"])
	_, body = do(t, h, http.MethodGet, "/engine/admin/engine", nil)
	require.Equal(t, false, body["enabled"])

	code, _ = do(t, h, http.MethodPost, "/engine/admin/sessions/2999-01-01/1/run", nil)
	require.Equal(t, http.StatusBadRequest, code, "window not closed")
	code, _ = do(t, h, http.MethodPost, "/engine/admin/sessions/2024-01-01/9/run", nil)
	require.Equal(t, http.StatusBadRequest, code)

	code, run := do(t, h, http.MethodPost, "/engine/admin/sessions/2024-01-01/1/run", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, run["completed"])

	code, list := do(t, h, http.MethodGet, "/engine/admin/sessions?date=2024-01-01", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, list["windows"], 1)

	code, pools := do(t, h, http.MethodGet, "/engine/admin/fund-pools", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, pools["pools"], 3)

	code, _ = do(t, h, http.MethodPost, "/engine/admin/fund-pools/yacht/distribute?period=2024-01", nil)
	require.Equal(t, http.StatusNotFound, code)
	code, payout := do(t, h, http.MethodPost, "/engine/admin/fund-pools/car/distribute?period=2024-01", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "car", payout["pool"])

	code, _ = do(t, h, http.MethodGet, "/admin/config", nil)
	require.Equal(t, http.StatusNotFound, code, "routes live under the base path")
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
