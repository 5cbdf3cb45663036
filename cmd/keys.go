package cmd

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/jmehdipour/partner-gateway/internal/config"
	"github.com/jmehdipour/partner-gateway/internal/db"
	"github.com/jmehdipour/partner-gateway/internal/model"
	"github.com/jmehdipour/partner-gateway/internal/repository"
	"github.com/jmehdipour/partner-gateway/internal/service/keys"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Operator key management (issue | revoke | rotate)",
}

var keyFlags struct {
	partner   string
	key       string
	name      string
	env       string
	perms     []string
	expiresIn time.Duration
	perMinute int
	perHour   int
	perDay    int
	burst     int
	unlimited bool
}

var keysIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a key and print its secret once",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, ok := model.ParseKeyEnv(keyFlags.env)
		if !ok {
			return fmt.Errorf("--env must be live or test")
		}
		req := keys.IssueRequest{
			Name:        keyFlags.name,
			Env:         env,
			Permissions: keyFlags.perms,
			RateLimits: model.RateLimitOverrides{
				PerMinute: keyFlags.perMinute,
				PerHour:   keyFlags.perHour,
				PerDay:    keyFlags.perDay,
				Burst:     keyFlags.burst,
				Unlimited: keyFlags.unlimited,
			},
		}
		if keyFlags.expiresIn > 0 {
			at := time.Now().Add(keyFlags.expiresIn).UTC()
			req.ExpiresAt = &at
		}

		return withKeyService(func(svc *keys.Service) error {
			issued, err := svc.Issue(cmd.Context(), keyFlags.partner, req)
			if err != nil {
				return err
			}
			fmt.Printf("id:     %s\nprefix: %s\nsecret: %s\n", issued.Key.ID, issued.Key.Prefix, issued.Secret)
			return nil
		})
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke a key",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeyService(func(svc *keys.Service) error {
			if err := svc.Revoke(cmd.Context(), keyFlags.partner, keyFlags.key); err != nil {
				return err
			}
			fmt.Printf("revoked %s\n", keyFlags.key)
			return nil
		})
	},
}

var keysRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Replace a key with a new secret and revoke the old one",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeyService(func(svc *keys.Service) error {
			issued, err := svc.Rotate(cmd.Context(), keyFlags.partner, keyFlags.key)
			if err != nil {
				return err
			}
			fmt.Printf("replaced: %s\nid:       %s\nsecret:   %s\n", keyFlags.key, issued.Key.ID, issued.Secret)
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{keysIssueCmd, keysRevokeCmd, keysRotateCmd} {
		c.Flags().StringVar(&keyFlags.partner, "partner", "", "partner id")
		_ = c.MarkFlagRequired("partner")
		keysCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{keysRevokeCmd, keysRotateCmd} {
		c.Flags().StringVar(&keyFlags.key, "key", "", "key id")
		_ = c.MarkFlagRequired("key")
	}

	f := keysIssueCmd.Flags()
	f.StringVar(&keyFlags.name, "name", "", "key name")
	f.StringVar(&keyFlags.env, "env", "test", "live | test")
	f.StringSliceVar(&keyFlags.perms, "perm", nil, "resource.action, repeatable")
	f.DurationVar(&keyFlags.expiresIn, "expires-in", 0, "key lifetime, 0 = never")
	f.IntVar(&keyFlags.perMinute, "per-minute", 0, "minute window override")
	f.IntVar(&keyFlags.perHour, "per-hour", 0, "hour window override")
	f.IntVar(&keyFlags.perDay, "per-day", 0, "day window override")
	f.IntVar(&keyFlags.burst, "burst", 0, "burst window override")
	f.BoolVar(&keyFlags.unlimited, "unlimited", false, "bypass rate limiting (trusted integrations)")
	_ = keysIssueCmd.MarkFlagRequired("name")
}

func withKeyService(fn func(*keys.Service) error) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	sqlDB, err := db.NewMySQLConnection(db.PoolOptsFrom(cfg.MySQL))
	if err != nil {
		return fmt.Errorf("mysql connect: %w", err)
	}
	defer sqlDB.Close()
	return fn(newKeyService(sqlDB, cfg))
}

func newKeyService(sqlDB *sqlx.DB, cfg config.Config) *keys.Service {
	return keys.New(sqlDB,
		repository.NewPartnersRepository(sqlDB),
		repository.NewAPIKeysRepository(sqlDB),
		repository.NewOutboxRepository(sqlDB),
		cfg.Outbox.KeyEventsTopic,
	)
}
