package rates

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rateServer(t *testing.T, price string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"dcrPrice": ` + price + `, "btcPrice": 0.0002}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestUSDPerCoinCachesWithinTTL(t *testing.T) {
	var hits atomic.Int32
	srv := rateServer(t, "20.5", &hits)

	o := NewOracle(slog.Disabled, srv.URL, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	o.now = func() time.Time { return now }

	rate, err := o.USDPerCoin(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20.5, rate)
	require.EqualValues(t, 1, hits.Load())

	// Within TTL: served from cache.
	_, err = o.USDPerCoin(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, hits.Load())

	// After TTL: refreshed.
	now = now.Add(2 * time.Minute)
	_, err = o.USDPerCoin(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, hits.Load())
}

func TestStakeAtomsConversion(t *testing.T) {
	var hits atomic.Int32
	srv := rateServer(t, "20.0", &hits)
	o := NewOracle(slog.Disabled, srv.URL, time.Minute)

	// $1.00 at $20/DCR = 0.05 DCR = 5,000,000 atoms.
	atoms, rate, err := o.StakeAtoms(context.Background(), 100)
	require.NoError(t, err)
	assert.EqualValues(t, 5_000_000, atoms)
	assert.Equal(t, 20.0, rate)

	_, _, err = o.StakeAtoms(context.Background(), 0)
	require.Error(t, err)
	_, _, err = o.StakeAtoms(context.Background(), -5)
	require.Error(t, err)
}

func TestStaleRateServedOnFetchFailure(t *testing.T) {
	var hits atomic.Int32
	srv := rateServer(t, "18.0", &hits)

	o := NewOracle(slog.Disabled, srv.URL, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	o.now = func() time.Time { return now }

	rate, err := o.USDPerCoin(context.Background())
	require.NoError(t, err)
	require.Equal(t, 18.0, rate)

	// Endpoint dies; TTL lapses; the stale rate still serves.
	srv.Close()
	now = now.Add(2 * time.Minute)
	rate, err = o.USDPerCoin(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 18.0, rate)
}

func TestInvalidPriceRejected(t *testing.T) {
	var hits atomic.Int32
	srv := rateServer(t, "0", &hits)
	o := NewOracle(slog.Disabled, srv.URL, time.Minute)

	_, err := o.USDPerCoin(context.Background())
	require.Error(t, err)
}
