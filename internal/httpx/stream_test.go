package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-canteen-wallet/internal/redisx"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStream_PushesLedgerBalanceThenSnapshots(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	snaps := &redisx.Snapshots{Client: rdb}

	auth := &Auth{Secret: []byte("test-secret")}
	svc := testService()
	api := &API{Service: svc, Snapshots: snaps, Auth: auth, CORSOrigins: []string{"*"}}
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	ctx := context.Background()
	_, err := svc.EnsureWallet(ctx, "p1")
	require.NoError(t, err)
	_, err = svc.Topup(ctx, "p1", 7000, "seed")
	require.NoError(t, err)

	tok, err := auth.Issue("p1", RoleParent, time.Hour)
	require.NoError(t, err)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/wallets/p1/stream?token=" + tok

	t.Run("other parent is refused", func(t *testing.T) {
		other, err := auth.Issue("p2", RoleParent, time.Hour)
		require.NoError(t, err)
		_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/wallets/p1/stream?token="+other, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	// GIVEN a connected client THEN the first frame is the ledger balance
	var first redisx.Snapshot
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "p1", first.ParentID)
	assert.Equal(t, int64(7000), first.Balance)
	assert.Equal(t, int64(1), first.Revision)

	// WHEN a newer snapshot lands THEN it is pushed
	applied, err := snaps.Apply(ctx, redisx.Snapshot{ParentID: "p1", Balance: 2000, Revision: 2, UpdatedAt: time.Now()})
	require.NoError(t, err)
	require.True(t, applied)

	var next redisx.Snapshot
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, int64(2000), next.Balance)
	assert.Equal(t, int64(2), next.Revision)
}
