package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlePositionOpen_RejectsInvalidGeometry(t *testing.T) {
	ts := newTestServer(t)
	body := openPositionRequest{
		Pair: "EUR/USD", Timeframe: "1h", Side: "long",
		Entry: 1.1000, SL: 1.1010, TP: 1.1050, Size: 1000,
	}
	w := doRequest(ts.srv, "POST", "/api/v1/positions/open", body, testAPIKey)
	assert.Equal(t, 400, w.Code)
}

func TestHandlePositionOpen_ValidGeometryPersists(t *testing.T) {
	ts := newTestServer(t)
	body := openPositionRequest{
		Pair: "EUR/USD", Timeframe: "1h", Side: "long",
		Entry: 1.1000, SL: 1.0950, TP: 1.1100, Size: 1000,
	}
	w := doRequest(ts.srv, "POST", "/api/v1/positions/open", body, testAPIKey)
	require.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "position_id")
}

func TestHandlePositionGet_UnknownIDIsNotFound(t *testing.T) {
	ts := newTestServer(t)
	w := doRequest(ts.srv, "GET", "/api/v1/positions/does-not-exist", nil, testAPIKey)
	assert.Equal(t, 404, w.Code)
}

func TestHandlePositionGet_ReturnsOpenedPosition(t *testing.T) {
	ts := newTestServer(t)
	openBody := openPositionRequest{
		Pair: "EUR/USD", Timeframe: "1h", Side: "short",
		Entry: 1.1000, SL: 1.1050, TP: 1.0900, Size: 500,
	}
	w := doRequest(ts.srv, "POST", "/api/v1/positions/open", openBody, testAPIKey)
	require.Equal(t, 200, w.Code)

	var opened struct {
		Data struct {
			PositionID string `json:"position_id"`
		} `json:"data"`
	}
	require.NoError(t, decodeBody(w, &opened))

	w2 := doRequest(ts.srv, "GET", "/api/v1/positions/"+opened.Data.PositionID, nil, testAPIKey)
	assert.Equal(t, 200, w2.Code)
	assert.Contains(t, w2.Body.String(), "EUR/USD")
}

func TestHandlePositionsForUser_ListsOnlyThatUsersOpenPositions(t *testing.T) {
	ts := newTestServer(t)

	openA := doRequest(ts.srv, "POST", "/api/v1/positions/open", openPositionRequest{
		Pair: "EUR/USD", Timeframe: "1h", Side: "long", Entry: 1.1, SL: 1.09, TP: 1.12, Size: 1000,
	}, testAPIKey)
	require.Equal(t, 200, openA.Code)

	// testAPIKey classifies as identityAPIKey whose Subject is the raw key
	// itself under PermissiveValidator, so positions opened under it all
	// belong to that one "user" id.
	var opened struct {
		Data struct {
			PositionID string `json:"position_id"`
		} `json:"data"`
	}
	require.NoError(t, decodeBody(openA, &opened))

	w := doRequest(ts.srv, "GET", "/api/v1/positions/user/"+testAPIKey, nil, testAPIKey)
	require.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), opened.Data.PositionID)
}

func TestHandlePositionAdjust_RequiresMoveSLOrMoveTP(t *testing.T) {
	ts := newTestServer(t)
	w := doRequest(ts.srv, "PUT", "/api/v1/positions/some-id/adjust", adjustPositionRequest{}, testAPIKey)
	assert.Equal(t, 400, w.Code)
}

func TestHandlePositionClose_DefaultsToFullCloseAtExitPrice(t *testing.T) {
	ts := newTestServer(t)
	openResp := doRequest(ts.srv, "POST", "/api/v1/positions/open", openPositionRequest{
		Pair: "EUR/USD", Timeframe: "1h", Side: "long", Entry: 1.1, SL: 1.09, TP: 1.12, Size: 1000,
	}, testAPIKey)
	require.Equal(t, 200, openResp.Code)
	var opened struct {
		Data struct {
			PositionID string `json:"position_id"`
		} `json:"data"`
	}
	require.NoError(t, decodeBody(openResp, &opened))

	closeResp := doRequest(ts.srv, "POST", "/api/v1/positions/close", closePositionRequest{
		PositionID: opened.Data.PositionID, ExitPrice: 1.115,
	}, testAPIKey)
	require.Equal(t, 200, closeResp.Code)

	p, err := ts.positions.ByID(context.Background(), opened.Data.PositionID)
	require.NoError(t, err)
	assert.Equal(t, "closed_manual", string(p.Status))
}
