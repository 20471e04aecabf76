package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/amirasaad/cryptoledger/infra"
	infra_repository "github.com/amirasaad/cryptoledger/infra/repository"
	"github.com/amirasaad/cryptoledger/pkg/config"
	"github.com/amirasaad/cryptoledger/pkg/currency"
	"github.com/amirasaad/cryptoledger/pkg/domain/chain"
	"github.com/amirasaad/cryptoledger/pkg/domain/confirmation"
	"github.com/amirasaad/cryptoledger/pkg/middleware"
	"github.com/amirasaad/cryptoledger/pkg/repository"
	"github.com/amirasaad/cryptoledger/pkg/service/reconciler"
	"github.com/google/uuid"
)

const usage = `Usage: cli <command> [arguments]
Commands:
  token <user_id>              print a bearer token for user_id
  balance <account_id>         print the derived balance of an account
  strange [limit]              list quarantined chain events
  replay <event.json>          apply a chain event file through the reconciler`

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 {
		fmt.Fprintln(out, usage)
		return nil
	}
	cfg, err := config.Load(".env")
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if args[0] == "token" {
		return token(cfg, args[1:], out)
	}

	db, err := infra.NewDBConnection(cfg.DB, cfg.Env)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close() //nolint: errcheck
	}
	uow := infra_repository.NewUoW(db)

	switch args[0] {
	case "balance":
		return balance(ctx, uow, args[1:], out)
	case "strange":
		return strange(ctx, uow, args[1:], out)
	case "replay":
		addresses, err := currency.NewAddressValidator(cfg.Chain.BitcoinNetwork)
		if err != nil {
			return err
		}
		return replay(ctx, uow, addresses, args[1:], out)
	default:
		fmt.Fprintln(out, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func token(cfg *config.App, args []string, out io.Writer) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: token <user_id>")
	}
	userID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid user id: %w", err)
	}
	t, err := middleware.GenerateToken(cfg.Auth.Jwt, userID, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintln(out, t)
	return nil
}

func balance(ctx context.Context, uow repository.UnitOfWork, args []string, out io.Writer) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: balance <account_id>")
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid account id: %w", err)
	}
	accounts, err := uow.AccountRepository()
	if err != nil {
		return err
	}
	acc, err := accounts.Get(ctx, id)
	if err != nil {
		return err
	}
	f, err := accounts.Balance(ctx, acc)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s %s %s\n", acc.ID, acc.Kind, acc.Currency, f.Balance)
	return nil
}

func strange(ctx context.Context, uow repository.UnitOfWork, args []string, out io.Writer) error {
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid limit %q", args[0])
		}
		limit = n
	}
	chains, err := uow.ChainRepository()
	if err != nil {
		return err
	}
	rows, err := chains.ListStrange(ctx, limit)
	if err != nil {
		return err
	}
	for _, s := range rows {
		fmt.Fprintf(out, "%s %s %s %s\n", s.CreatedAt.Format(time.RFC3339), s.Currency, s.Hash, s.Reason)
	}
	return nil
}

// replay runs the reconciler once without an approval scheduler.
func replay(ctx context.Context, uow repository.UnitOfWork, addresses chain.AddressNormalizer, args []string, out io.Writer) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: replay <event.json>")
	}
	payload, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	ev, err := chain.Decode(payload)
	if err != nil {
		return err
	}
	r := reconciler.New(uow, addresses, confirmation.Default(), nil, slog.Default(), reconciler.Options{})
	res, err := r.Process(ctx, ev)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "path=%s outcome=%s", res.Path, res.Outcome)
	if res.Reason != "" {
		fmt.Fprintf(out, " reason=%q", res.Reason)
	}
	fmt.Fprintln(out)
	return nil
}
