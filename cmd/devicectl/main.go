package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"iotportal/internal/auth"
	"iotportal/internal/db"
	"iotportal/internal/keys"
	"iotportal/internal/store"
	"iotportal/internal/telemetry"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

const usage = `usage: devicectl <command> [flags]

commands:
  create-device  -owner <user> -name <name> [-location <text>]
  delete-device  -id <device uuid>          (cascades to measurements)
  list-devices   -owner <user>
  issue-key      -email <email>             (prints a new API key once)
  revoke-key     -key <api key>
  issue-token    -user <user> [-ttl 24h]    (HS256, needs IOTP_JWT_SECRET)
`

func main() {
	_ = godotenv.Load()
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "devicectl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(strings.TrimSpace(usage))
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "issue-token":
		return issueToken(rest, out)
	case "create-device", "delete-device", "list-devices", "issue-key", "revoke-key":
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}

	dbURL := strings.TrimSpace(os.Getenv("IOTP_DATABASE_URL"))
	if dbURL == "" {
		return errors.New("missing IOTP_DATABASE_URL")
	}
	pool, err := db.Open(dbURL)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	switch cmd {
	case "create-device":
		return createDevice(ctx, store.NewPostgres(pool), rest, out)
	case "delete-device":
		return deleteDevice(ctx, store.NewPostgres(pool), rest, out)
	case "list-devices":
		return listDevices(ctx, store.NewPostgres(pool), rest, out)
	case "issue-key":
		return issueKey(ctx, pool, rest, out)
	default:
		return revokeKey(ctx, pool, rest, out)
	}
}

func createDevice(ctx context.Context, devices store.Devices, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("create-device", flag.ContinueOnError)
	var (
		owner    = fs.String("owner", "", "Owning user id")
		name     = fs.String("name", "", "Device name (max 100 chars)")
		location = fs.String("location", "", "Location (optional, max 200 chars)")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	d := telemetry.Device{Name: strings.TrimSpace(*name), OwnerID: strings.TrimSpace(*owner)}
	if loc := strings.TrimSpace(*location); loc != "" {
		d.Location = &loc
	}
	created, err := devices.CreateDevice(ctx, d)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "device_id=%s owner_id=%s\n", created.ID, created.OwnerID)
	return nil
}

func deleteDevice(ctx context.Context, devices store.Devices, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("delete-device", flag.ContinueOnError)
	id := fs.String("id", "", "Device id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	deviceID, err := uuid.Parse(strings.TrimSpace(*id))
	if err != nil {
		return fmt.Errorf("invalid -id: %w", err)
	}
	if err := devices.DeleteDevice(ctx, deviceID); err != nil {
		return err
	}
	fmt.Fprintf(out, "deleted device_id=%s\n", deviceID)
	return nil
}

func listDevices(ctx context.Context, st store.Store, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("list-devices", flag.ContinueOnError)
	owner := fs.String("owner", "", "Owning user id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*owner) == "" {
		return errors.New("missing -owner")
	}
	devices, err := st.ListDevices(ctx, strings.TrimSpace(*owner))
	if err != nil {
		return err
	}
	for _, d := range devices {
		fmt.Fprintf(out, "%s\t%s\t%s\n", d.ID, d.CreatedAt.Format(time.RFC3339), d.Name)
	}
	return nil
}

func issueKey(ctx context.Context, pool *pgxpool.Pool, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("issue-key", flag.ContinueOnError)
	email := fs.String("email", "", "User email; the user is created when missing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pepper := os.Getenv("IOTP_API_KEY_PEPPER")
	if pepper == "" {
		return errors.New("missing IOTP_API_KEY_PEPPER")
	}
	addr := strings.ToLower(strings.TrimSpace(*email))
	if addr == "" {
		return errors.New("missing -email")
	}

	apiKey, err := keys.NewAPIKey()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var userID uuid.UUID
	if err := tx.QueryRow(ctx, `
		insert into users (email) values ($1)
		on conflict (email) do update set email = excluded.email
		returning id
	`, addr).Scan(&userID); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		insert into user_api_keys (user_id, key_hash) values ($1, $2)
	`, userID, keys.HashAPIKey(pepper, apiKey)); err != nil {
		return fmt.Errorf("insert key: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	fmt.Fprintf(out, "user_id=%s\napi_key=%s\n", userID, apiKey)
	return nil
}

func revokeKey(ctx context.Context, pool *pgxpool.Pool, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("revoke-key", flag.ContinueOnError)
	apiKey := fs.String("key", "", "API key to revoke")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pepper := os.Getenv("IOTP_API_KEY_PEPPER")
	if pepper == "" || strings.TrimSpace(*apiKey) == "" {
		return errors.New("missing -key or IOTP_API_KEY_PEPPER")
	}
	tag, err := pool.Exec(ctx, `
		update user_api_keys set revoked_at = now()
		where key_hash = $1 and revoked_at is null
	`, keys.HashAPIKey(pepper, strings.TrimSpace(*apiKey)))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("no active key matched")
	}
	fmt.Fprintf(out, "revoked key %s...\n", keys.Prefix(strings.TrimSpace(*apiKey)))
	return nil
}

func issueToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("issue-token", flag.ContinueOnError)
	var (
		user = fs.String("user", "", "Subject (user id)")
		ttl  = fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*user) == "" {
		return errors.New("missing -user")
	}
	if *ttl <= 0 {
		return errors.New("-ttl must be positive")
	}
	a, err := auth.NewJWT(os.Getenv("IOTP_JWT_SECRET"), strings.TrimSpace(os.Getenv("IOTP_JWT_ISSUER")))
	if err != nil {
		return err
	}
	tok, err := a.Issue(strings.TrimSpace(*user), *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, tok)
	return nil
}
