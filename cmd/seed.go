package cmd

import (
	"errors"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/jmehdipour/partner-gateway/internal/config"
	"github.com/jmehdipour/partner-gateway/internal/db"
	"github.com/jmehdipour/partner-gateway/internal/model"
	"github.com/jmehdipour/partner-gateway/internal/repository"
	"github.com/jmehdipour/partner-gateway/internal/service/keys"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with demo partners and print their test keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1) load config
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		// 2) connect MySQL
		sqlDB, err := db.NewMySQLConnection(db.PoolOptsFrom(cfg.MySQL))
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		partnersRepo := repository.NewPartnersRepository(sqlDB)
		svc := newKeyService(sqlDB, cfg)

		log.Println(">> Seeding demo partners...")
		ctx := cmd.Context()

		for _, p := range demoPartners() {
			if err := partnersRepo.Upsert(ctx, nil, p); err != nil {
				return fmt.Errorf("upsert partner %q: %w", p.CompanyName, err)
			}
			if !p.Active() {
				log.Printf("   %s (%s): no key issued", p.CompanyName, p.Status)
				continue
			}
			issued, err := svc.Issue(ctx, p.ID, keys.IssueRequest{
				Name:        "seed",
				Env:         model.KeyEnvTest,
				Permissions: []string{"partner.read", "keys.read", "keys.write", "usage.read"},
			})
			if errors.Is(err, keys.ErrKeyLimitReached) {
				log.Printf("   %s: key limit reached, skipping", p.CompanyName)
				continue
			}
			if err != nil {
				return fmt.Errorf("issue key for %q: %w", p.CompanyName, err)
			}
			// the secret is not recoverable after this point
			fmt.Printf("%s\t%s\t%s\n", p.ID, issued.Key.ID, issued.Secret)
		}

		log.Println(">> Seed completed")
		return nil
	},
}

// demoPartners are deterministic so repeated seeding upserts the same rows.
func demoPartners() []model.Partner {
	return []model.Partner{
		{
			ID:             "ptn_demo_acme",
			CompanyName:    "Acme Corp",
			Status:         model.PartnerActive,
			AllowedDomains: model.NewJSONColumn([]string{"acme.example.com"}),
			ContactEmail:   "api@acme.example.com",
			UsageLimits:    model.NewJSONColumn(model.UsageLimits{MonthlyRequests: 1_000_000, MaxKeys: 5}),
		},
		{
			ID:             "ptn_demo_umbrella",
			CompanyName:    "Umbrella Logistics",
			Status:         model.PartnerActive,
			AllowedDomains: model.NewJSONColumn([]string{}),
			UsageLimits:    model.NewJSONColumn(model.UsageLimits{MonthlyRequests: 100_000, MaxKeys: 2}),
		},
		{
			ID:             "ptn_demo_globex",
			CompanyName:    "Globex Trial",
			Status:         model.PartnerTrial,
			AllowedDomains: model.NewJSONColumn([]string{}),
			UsageLimits:    model.NewJSONColumn(model.UsageLimits{MonthlyRequests: 10_000, MaxKeys: 1}),
		},
		{
			ID:             "ptn_demo_initech",
			CompanyName:    "Initech",
			Status:         model.PartnerSuspended,
			AllowedDomains: model.NewJSONColumn([]string{}),
			UsageLimits:    model.NewJSONColumn(model.UsageLimits{}),
		},
	}
}
