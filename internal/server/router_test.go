package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stalectl/stalectl/internal/invalidation"
	"github.com/stalectl/stalectl/internal/tiercache"
)

type stubAdmin struct {
	snapshot invalidation.Snapshot
	stats    tiercache.Stats
	manual   []invalidation.ManualRequest
	resets   int
}

func (s *stubAdmin) Metrics() invalidation.Snapshot { return s.snapshot }
func (s *stubAdmin) ResetMetrics()                  { s.resets++ }

func (s *stubAdmin) InvalidateManual(_ context.Context, req invalidation.ManualRequest) {
	s.manual = append(s.manual, req)
}

func (s *stubAdmin) CacheStats(context.Context) tiercache.Stats { return s.stats }

func TestHealthz(t *testing.T) {
	handler := NewAdminHandler(&stubAdmin{})
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))
}

func TestStats(t *testing.T) {
	admin := &stubAdmin{
		snapshot: invalidation.Snapshot{Total: 7, Manual: 2},
		stats: tiercache.Stats{
			Tiers:       []tiercache.TierStats{{Tier: "l1", Hits: 3, Misses: 1}},
			MemoryBytes: 128,
		},
	}
	handler := NewAdminHandler(admin)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stats", nil))

	require.Equal(t, http.StatusOK, rr.Code)

	var payload struct {
		Invalidation invalidation.Snapshot `json:"invalidation"`
		Cache        tiercache.Stats       `json:"cache"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&payload))
	require.Equal(t, uint64(7), payload.Invalidation.Total)
	require.Equal(t, int64(128), payload.Cache.MemoryBytes)
	require.Len(t, payload.Cache.Tiers, 1)
}

func TestStatsReset(t *testing.T) {
	admin := &stubAdmin{}
	handler := NewAdminHandler(admin)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/stats", nil))

	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, 1, admin.resets)
}

func TestInvalidate(t *testing.T) {
	admin := &stubAdmin{}
	handler := NewAdminHandler(admin)

	body := `{"queries":["users"],"tenantId":"tenant-a","pattern":"users:*"}`
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/invalidate", strings.NewReader(body)))

	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Len(t, admin.manual, 1)
	require.Equal(t, []string{"users"}, admin.manual[0].Queries)
	require.Equal(t, "tenant-a", admin.manual[0].TenantID)
	require.Equal(t, "users:*", admin.manual[0].Pattern)
}

func TestInvalidateRejectsBadBody(t *testing.T) {
	admin := &stubAdmin{}
	handler := NewAdminHandler(admin)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/invalidate", strings.NewReader("{")))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Empty(t, admin.manual)
}

func TestInvalidateRequiresPost(t *testing.T) {
	handler := NewAdminHandler(&stubAdmin{})
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/invalidate", nil))

	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestNilAPIReturnsServiceUnavailable(t *testing.T) {
	handler := NewAdminHandler(nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
