// Package rates caches an external USD/DCR exchange rate and converts fixed
// USD-cent stake tiers into atoms. Conversion happens at game start only;
// stakes are locked, never re-priced mid-game.
package rates

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/slog"
	"github.com/go-resty/resty/v2"
)

// DefaultRateURL is dcrdata's exchange rate endpoint.
const DefaultRateURL = "https://explorer.dcrdata.org/api/exchangerate"

const defaultTTL = time.Minute

type exchangeRate struct {
	DCRPrice float64 `json:"dcrPrice"`
}

// Oracle fetches and caches the USD/coin price.
type Oracle struct {
	log    slog.Logger
	client *resty.Client
	url    string
	ttl    time.Duration

	mu        sync.Mutex
	rate      float64
	fetchedAt time.Time

	now func() time.Time
}

func NewOracle(log slog.Logger, url string, ttl time.Duration) *Oracle {
	if url == "" {
		url = DefaultRateURL
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Oracle{
		log: log,
		client: resty.New().
			SetTimeout(10 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(500 * time.Millisecond),
		url: url,
		ttl: ttl,
		now: time.Now,
	}
}

// USDPerCoin returns the cached rate, refreshing it when the TTL lapsed.
func (o *Oracle) USDPerCoin(ctx context.Context) (float64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.rate > 0 && o.now().Sub(o.fetchedAt) < o.ttl {
		return o.rate, nil
	}

	var out exchangeRate
	resp, err := o.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get(o.url)
	if err != nil {
		// A stale rate beats no rate for an in-flight match request.
		if o.rate > 0 {
			o.log.Warnf("rate refresh failed, serving stale rate %.2f: %v", o.rate, err)
			return o.rate, nil
		}
		return 0, fmt.Errorf("fetch exchange rate: %w", err)
	}
	if resp.IsError() {
		if o.rate > 0 {
			o.log.Warnf("rate endpoint returned %s, serving stale rate %.2f", resp.Status(), o.rate)
			return o.rate, nil
		}
		return 0, fmt.Errorf("fetch exchange rate: %s", resp.Status())
	}
	if out.DCRPrice <= 0 {
		return 0, fmt.Errorf("rate endpoint returned invalid price %v", out.DCRPrice)
	}

	o.rate = out.DCRPrice
	o.fetchedAt = o.now()
	o.log.Debugf("exchange rate refreshed: %.4f USD/DCR", o.rate)
	return o.rate, nil
}

// StakeAtoms converts a USD-cent stake into atoms at the current rate,
// rounded down. Returns the rate used so callers can lock it into the game.
func (o *Oracle) StakeAtoms(ctx context.Context, cents int64) (dcrutil.Amount, float64, error) {
	if cents <= 0 {
		return 0, 0, fmt.Errorf("invalid stake: %d cents", cents)
	}
	rate, err := o.USDPerCoin(ctx)
	if err != nil {
		return 0, 0, err
	}
	atoms := dcrutil.Amount(float64(cents) / 100 / rate * 1e8)
	if atoms <= 0 {
		return 0, 0, fmt.Errorf("stake %d cents rounds to zero atoms at rate %.4f", cents, rate)
	}
	return atoms, rate, nil
}
