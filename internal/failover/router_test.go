package failover

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/paycore/internal/logging"
)

type openCircuits map[string]bool

func (o openCircuits) Open(vendorID string) bool { return o[vendorID] }

func (o openCircuits) State(vendorID string) string {
	if o[vendorID] {
		return "open"
	}
	return "closed"
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (Health, bool, error) {
	return Health{}, false, errors.New("redis unreachable")
}

func (brokenStore) Put(context.Context, Health) error { return errors.New("redis unreachable") }

func seeded(t *testing.T, statuses map[string]Status) *MemoryHealthStore {
	t.Helper()
	store := NewMemoryHealthStore()
	for id, st := range statuses {
		require.NoError(t, store.Put(context.Background(), Health{VendorID: id, Status: st}))
	}
	return store
}

func TestRouterSelect(t *testing.T) {
	pool := []string{"alpha", "beta", "gamma"}
	ctx := context.Background()

	cases := []struct {
		name      string
		statuses  map[string]Status
		open      openCircuits
		preferred string
		want      string
		wantErr   error
	}{
		{name: "preferred healthy", preferred: "beta", want: "beta"},
		{name: "no preference takes priority order", want: "alpha"},
		{name: "preferred down fails over", statuses: map[string]Status{"beta": StatusDown}, preferred: "beta", want: "alpha"},
		{name: "unstable skipped", statuses: map[string]Status{"alpha": StatusUnstable}, want: "beta"},
		{name: "open circuit skipped", open: openCircuits{"alpha": true}, preferred: "alpha", want: "beta"},
		{name: "all unavailable", statuses: map[string]Status{"alpha": StatusDown, "beta": StatusDown}, open: openCircuits{"gamma": true}, wantErr: ErrNoVendorAvailable},
		{name: "unknown preferred", preferred: "omega", wantErr: ErrUnknownVendor},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var circuits CircuitState
			if tc.open != nil {
				circuits = tc.open
			}
			r := NewRouter(pool, seeded(t, tc.statuses), circuits, logging.Discard())
			got, err := r.Select(ctx, tc.preferred)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRouterCandidatesOrder(t *testing.T) {
	store := seeded(t, map[string]Status{"alpha": StatusDown})
	r := NewRouter([]string{"alpha", "beta", "gamma"}, store, nil, logging.Discard())

	got, err := r.Candidates(context.Background(), "gamma")
	require.NoError(t, err)
	assert.Equal(t, []string{"gamma", "beta"}, got)

	got, err = r.Candidates(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"beta", "gamma"}, got)
}

func TestRouterFailsOpenOnStoreError(t *testing.T) {
	r := NewRouter([]string{"alpha"}, brokenStore{}, nil, logging.Discard())
	got, err := r.Select(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "alpha", got)
}

func TestHandlerListsVendors(t *testing.T) {
	store := seeded(t, map[string]Status{"beta": StatusDown})
	circuits := openCircuits{"alpha": true}
	r := NewRouter([]string{"alpha", "beta", "gamma"}, store, circuits, logging.Discard())
	app := fiber.New()
	app.Get("/vendors/health", NewHandler(r, store, circuits).List)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/vendors/health", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Vendors []vendorView `json:"vendors"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Vendors, 3)
	assert.Equal(t, "open", body.Vendors[0].Circuit)
	assert.False(t, body.Vendors[0].Routable)
	assert.Equal(t, StatusDown, body.Vendors[1].Status)
	assert.False(t, body.Vendors[1].Routable)
	assert.True(t, body.Vendors[2].Routable)
}
