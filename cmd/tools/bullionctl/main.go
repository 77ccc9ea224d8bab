// Command bullionctl is operator tooling for the pricing engine: offline
// order-total computation, stored-funds maintenance and test tokens.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/noah-isme/backend-bullion/internal/app"
	"github.com/noah-isme/backend-bullion/internal/auth"
	"github.com/noah-isme/backend-bullion/internal/database"
	"github.com/noah-isme/backend-bullion/internal/funds"
	"github.com/noah-isme/backend-bullion/internal/pricing"
	"github.com/noah-isme/backend-bullion/internal/spot"
)

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:      "bullionctl",
		Usage:     "pricing engine tooling",
		Writer:    out,
		ErrWriter: os.Stderr,
		Commands: []*cli.Command{
			{
				Name:  "compute",
				Usage: "compute order totals for a request file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "order-totals request JSON", Required: true},
					&cli.StringFlag{Name: "quotes", Aliases: []string{"q"}, Usage: "spot quotes JSON list; defaults to the published snapshot"},
					&cli.StringFlag{Name: "redis-url", EnvVars: []string{"REDIS_URL"}},
					&cli.StringFlag{Name: "snapshot-key", EnvVars: []string{"SPOT_SNAPSHOT_KEY"}, Value: spot.DefaultSnapshotKey},
					&cli.BoolFlag{Name: "summary", Usage: "print a plain-text breakdown instead of JSON"},
				},
				Action: compute,
			},
			{
				Name:  "funds",
				Usage: "inspect or set stored funds",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "database-url", EnvVars: []string{"DATABASE_URL"}, Required: true},
				},
				Subcommands: []*cli.Command{
					{
						Name:      "get",
						ArgsUsage: "<account-id>",
						Action: func(c *cli.Context) error {
							return withFunds(c, func(ctx context.Context, repo *funds.PgRepository) error {
								balance, err := repo.Balance(ctx, c.Args().First())
								if err != nil {
									return err
								}
								fmt.Fprintf(c.App.Writer, "%s %s\n", c.Args().First(), pricing.FormatMoney(balance))
								return nil
							})
						},
					},
					{
						Name:      "set",
						ArgsUsage: "<account-id> <amount>",
						Action: func(c *cli.Context) error {
							if c.NArg() != 2 {
								return cli.Exit("usage: funds set <account-id> <amount>", 2)
							}
							amount, err := pricing.ParseMoney(c.Args().Get(1))
							if err != nil {
								return err
							}
							return withFunds(c, func(ctx context.Context, repo *funds.PgRepository) error {
								return repo.SetBalance(ctx, c.Args().First(), amount)
							})
						},
					},
				},
			},
			{
				Name:  "token",
				Usage: "sign an access token for local testing",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "subject", Aliases: []string{"s"}, Required: true},
					&cli.StringSliceFlag{Name: "role"},
					&cli.DurationFlag{Name: "ttl", Value: time.Hour},
					&cli.StringFlag{Name: "secret", EnvVars: []string{"JWT_SECRET"}, Required: true},
					&cli.StringFlag{Name: "issuer", EnvVars: []string{"JWT_ISSUER"}},
					&cli.StringFlag{Name: "audience", EnvVars: []string{"JWT_AUDIENCE"}},
				},
				Action: token,
			},
		},
	}
}

func compute(c *cli.Context) error {
	var req pricing.TotalsRequest
	if err := readJSON(c.String("input"), &req); err != nil {
		return err
	}
	quotes, err := loadQuotes(c)
	if err != nil {
		return err
	}
	in, err := req.Input(quotes)
	if err != nil {
		return err
	}
	totals, err := pricing.NewService(pricing.NewEngine(nil), zerolog.Nop()).ComputeOrderTotals(c.Context, in)
	if err != nil {
		return err
	}
	if c.Bool("summary") {
		writeSummary(c.App.Writer, totals)
		return nil
	}
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(totals)
}

func writeSummary(w io.Writer, t pricing.OrderTotals) {
	for _, l := range t.Lines {
		if l.Unavailable {
			fmt.Fprintf(w, "%d %s x%d unavailable\n", l.Index, l.Metal, l.Quantity)
			continue
		}
		fmt.Fprintf(w, "%d %s x%d @ %s = %s\n", l.Index, l.Metal, l.Quantity,
			pricing.FormatDecimal(l.UnitPrice), pricing.FormatDecimal(l.Extended))
	}
	fmt.Fprintf(w, "method %s\n", t.Method)
	for _, row := range []struct {
		label  string
		amount pricing.Money
	}{
		{"base", t.BaseTotal},
		{"funds", t.AppliedFunds},
		{"surcharge", t.SurchargeAmount},
		{"shipping", t.ShippingCharge},
		{"tax", t.SalesTax},
		{"total", t.PostChargesAmount},
	} {
		fmt.Fprintf(w, "%s %s\n", row.label, pricing.FormatMoney(row.amount))
	}
	if t.Side == pricing.Sell {
		fmt.Fprintf(w, "payout %s\n", pricing.FormatMoney(t.NetPayout()))
	}
}

func loadQuotes(c *cli.Context) (pricing.Quotes, error) {
	if path := c.String("quotes"); path != "" {
		var list []pricing.SpotQuote
		if err := readJSON(path, &list); err != nil {
			return nil, err
		}
		return pricing.NewQuotes(list), nil
	}
	if c.String("redis-url") == "" {
		return nil, cli.Exit("either --quotes or REDIS_URL is required", 2)
	}
	rdb, err := app.NewRedis(c.Context, c.String("redis-url"), false, zerolog.Nop())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rdb.Close() }()
	return spot.NewStore(rdb, c.String("snapshot-key"), "", zerolog.Nop()).Load(c.Context)
}

func withFunds(c *cli.Context, fn func(context.Context, *funds.PgRepository) error) error {
	if strings.TrimSpace(c.Args().First()) == "" {
		return cli.Exit("account id required", 2)
	}
	ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
	defer cancel()
	pool, err := database.Connect(ctx, c.String("database-url"), "bullionctl")
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, funds.NewPgRepository(pool))
}

func token(c *cli.Context) error {
	svc, err := auth.NewService(auth.Config{
		Secret:   c.String("secret"),
		Issuer:   c.String("issuer"),
		Audience: c.String("audience"),
	})
	if err != nil {
		return err
	}
	signed, expires, err := svc.SignAccessToken(c.String("subject"), c.StringSlice("role"), c.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, signed)
	fmt.Fprintf(c.App.ErrWriter, "expires %s\n", expires.Format(time.RFC3339))
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
