package pricing_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-bullion/internal/pricing"
)

type staticQuotes pricing.Quotes

func (s staticQuotes) Latest() pricing.Quotes { return pricing.Quotes(s) }

func postTotals(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	h := &pricing.Handler{
		Svc:    pricing.NewService(pricing.NewEngine(nil), zerolog.Nop()),
		Quotes: staticQuotes(quotes()),
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/pricing/order-totals", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.OrderTotals(rec, req)
	return rec
}

const oneGoldBar = `[{"kind":"bullion","metal":"gold","contentTroyOz":"1","quantity":1}]`

func TestOrderTotalsHandlerSplitPayment(t *testing.T) {
	rec := postTotals(t, `{"side":"buy","items":`+oneGoldBar+`,"useFunds":true,"beginningFunds":40000,"shippingCost":1500}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := rec.Body.String()
	require.Contains(t, body, `"paymentMethod":"CARD_AND_FUNDS"`)
	require.Contains(t, body, `"appliedFunds":40000`)
	require.Contains(t, body, `"surchargeAmount":1800`)
	require.Contains(t, body, `"postChargesAmount":63300`)
	require.NotContains(t, body, "netPayout")
}

func TestOrderTotalsHandlerOverride(t *testing.T) {
	rec := postTotals(t, `{"items":`+oneGoldBar+`,"beginningFunds":100000,"paymentMethod":"credit"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), `"paymentMethod":"FUNDS"`)
	require.Contains(t, rec.Body.String(), `"subjectToChargesAmount":0`)

	rec = postTotals(t, `{"items":`+oneGoldBar+`,"beginningFunds":99999,"paymentMethod":"FUNDS"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, rec.Body.String(), "PAYMENT_METHOD_INFEASIBLE")
	require.Contains(t, rec.Body.String(), `"fallbackMethod":"CARD"`)

	// Card and split payment come from the resolver and cannot be forced.
	for _, method := range []string{"CARD", "CARD_AND_FUNDS", "WIRE"} {
		rec = postTotals(t, `{"items":`+oneGoldBar+`,"paymentMethod":"`+method+`"}`)
		require.Equal(t, http.StatusBadRequest, rec.Code, method)
		require.Contains(t, rec.Body.String(), "PAYMENT_METHOD_NOT_OVERRIDABLE", method)
		require.Contains(t, rec.Body.String(), `"overridable":["FUNDS"]`, method)
	}

	rec = postTotals(t, `{"side":"sell","items":`+oneGoldBar+`,"paymentMethod":"CARD"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), `"allowed":["ACH","WIRE","ECHECK","DORADO_ACCOUNT"]`)
}

func TestOrderTotalsHandlerSell(t *testing.T) {
	rec := postTotals(t, `{"side":"sell","items":[{"kind":"scrap","metal":"silver","grossWeight":"31.1035","weightUnit":"g","purity":"0.925","scrapPercentage":"0.90"}],"paymentMethod":"ECHECK"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), `"baseTotal":2081`)
	require.Contains(t, rec.Body.String(), `"netPayout":2081`)
}

func TestOrderTotalsHandlerRejectsBadInput(t *testing.T) {
	for _, body := range []string{
		`{`,
		`{"side":"lease","items":[]}`,
		`{"side":"buy","items":[{"kind":"bullion","metal":"gold","contentTroyOz":"1","quantity":0}]}`,
		`{"side":"buy","items":` + oneGoldBar + `,"shippingCost":-5}`,
		`{"side":"sell","items":` + oneGoldBar + `,"paymentMethod":"CARD"}`,
		`{"side":"buy","items":[{"kind":"bullion","metal":"gold","contentTroyOz":"1e13","quantity":1}]}`,
		`{"side":"buy","items":[{"kind":"bullion","metal":"gold","contentTroyOz":"100000","quantity":100000}]}`,
	} {
		rec := postTotals(t, body)
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}
