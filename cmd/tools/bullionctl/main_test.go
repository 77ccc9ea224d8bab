package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-bullion/internal/auth"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestComputeCommand(t *testing.T) {
	input := writeFile(t, "req.json", `{"side":"buy","items":[{"kind":"bullion","metal":"gold","contentTroyOz":"1","quantity":1}],"useFunds":true,"beginningFunds":40000,"shippingCost":1500}`)
	quotes := writeFile(t, "quotes.json", `[{"metal":"gold","bid":"990","ask":"1000","asOf":"2026-03-02T15:00:00Z"}]`)

	var out bytes.Buffer
	require.NoError(t, newApp(&out).Run([]string{"bullionctl", "compute", "--input", input, "--quotes", quotes}))
	require.Contains(t, out.String(), `"paymentMethod": "CARD_AND_FUNDS"`)
	require.Contains(t, out.String(), `"postChargesAmount": 63300`)
}

func TestComputeCommandSummary(t *testing.T) {
	input := writeFile(t, "req.json", `{"side":"sell","items":[{"kind":"scrap","metal":"silver","grossWeight":"31.1035","weightUnit":"g","purity":"0.925","scrapPercentage":"0.90"}],"paymentMethod":"WIRE"}`)
	quotes := writeFile(t, "quotes.json", `[{"metal":"silver","bid":"25","ask":"26","asOf":"2026-03-02T15:00:00Z"}]`)

	var out bytes.Buffer
	require.NoError(t, newApp(&out).Run([]string{"bullionctl", "compute", "-i", input, "-q", quotes, "--summary"}))
	require.Contains(t, out.String(), "0 silver x1 @ 20.81 = 20.81\n")
	require.Contains(t, out.String(), "method WIRE\n")
	require.Contains(t, out.String(), "surcharge 25.00\n")
	require.Contains(t, out.String(), "payout -4.19\n")
}

func TestComputeCommandRejectsInfeasibleOverride(t *testing.T) {
	input := writeFile(t, "req.json", `{"items":[{"kind":"bullion","metal":"gold","contentTroyOz":"1","quantity":1}],"beginningFunds":10,"paymentMethod":"FUNDS"}`)
	quotes := writeFile(t, "quotes.json", `[{"metal":"gold","bid":"990","ask":"1000","asOf":"2026-03-02T15:00:00Z"}]`)

	err := newApp(&bytes.Buffer{}).Run([]string{"bullionctl", "compute", "-i", input, "-q", quotes})
	require.ErrorContains(t, err, "insufficient funds")
}

func TestTokenCommand(t *testing.T) {
	var out bytes.Buffer
	err := newApp(&out).Run([]string{"bullionctl", "token", "--subject", "acct-7", "--role", auth.RoleOperator, "--secret", "tool-secret"})
	require.NoError(t, err)

	svc, err := auth.NewService(auth.Config{Secret: "tool-secret"})
	require.NoError(t, err)
	principal, err := svc.ParseAccessToken(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	require.Equal(t, "acct-7", principal.AccountID)
	require.Equal(t, []string{auth.RoleOperator}, principal.Roles)
}
