// cmd/tools/tenant-onboard/main.go
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"appointment-bot/internal/common/config"
	"appointment-bot/internal/common/database"
	"appointment-bot/internal/common/logger"
	"appointment-bot/internal/models"
	"appointment-bot/internal/store"
	"appointment-bot/internal/tenant"
	"appointment-bot/internal/vault"
)

func main() {
	createCmd := flag.NewFlagSet("create", flag.ExitOnError)
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	suspendCmd := flag.NewFlagSet("suspend", flag.ExitOnError)
	activateCmd := flag.NewFlagSet("activate", flag.ExitOnError)
	menuCmd := flag.NewFlagSet("menu", flag.ExitOnError)

	createFile := createCmd.String("file", "", "Path to tenant profile JSON")
	validateFile := validateCmd.String("file", "", "Path to tenant profile JSON")
	suspendID := suspendCmd.String("id", "", "Tenant ID")
	activateID := activateCmd.String("id", "", "Tenant ID")
	menuID := menuCmd.String("id", "", "Tenant ID")
	menuFile := menuCmd.String("file", "", "Path to menu JSON")

	if len(os.Args) < 2 {
		help()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		requireFlags(validateCmd, *validateFile)
		profile, err := loadProfile(*validateFile)
		if err != nil {
			fail("Profile validation failed", err)
		}
		fmt.Printf("Profile for %q is valid.\n", profile.BusinessName)

	case "create":
		createCmd.Parse(os.Args[2:])
		requireFlags(createCmd, *createFile)
		profile, err := loadProfile(*createFile)
		if err != nil {
			fail("Profile validation failed", err)
		}
		withRegistry(func(ctx context.Context, reg *tenant.Registry) error {
			id, err := reg.CreateTenant(ctx, *profile)
			if err != nil {
				return err
			}
			t, err := reg.GetTenant(ctx, id, false)
			if err != nil || t == nil {
				fmt.Printf("Created tenant: %s\n", id)
				return nil
			}
			fmt.Printf("Created tenant: %s\n", id)
			fmt.Printf("Webhook verify token: %s\n", t.VerifyToken)
			fmt.Printf("Webhook path: /webhook/%s\n", id)
			return nil
		})

	case "suspend":
		suspendCmd.Parse(os.Args[2:])
		requireFlags(suspendCmd, *suspendID)
		withRegistry(func(ctx context.Context, reg *tenant.Registry) error {
			return reg.SuspendTenant(ctx, *suspendID)
		})
		fmt.Printf("Suspended tenant %s\n", *suspendID)

	case "activate":
		activateCmd.Parse(os.Args[2:])
		requireFlags(activateCmd, *activateID)
		withRegistry(func(ctx context.Context, reg *tenant.Registry) error {
			return reg.ActivateTenant(ctx, *activateID)
		})
		fmt.Printf("Activated tenant %s\n", *activateID)

	case "menu":
		menuCmd.Parse(os.Args[2:])
		requireFlags(menuCmd, *menuID, *menuFile)
		data, err := os.ReadFile(*menuFile)
		if err != nil {
			fail("Error reading menu", err)
		}
		var menu models.MenuConfig
		if err := json.Unmarshal(data, &menu); err != nil {
			fail("Error decoding menu", err)
		}
		withRegistry(func(ctx context.Context, reg *tenant.Registry) error {
			return reg.UpdateMenu(ctx, *menuID, menu)
		})
		fmt.Printf("Updated menu for tenant %s\n", *menuID)

	case "help":
		fallthrough
	default:
		help()
	}
}

func requireFlags(fs *flag.FlagSet, values ...string) {
	for _, v := range values {
		if v == "" {
			fmt.Printf("Error: missing required flags for %s.\n", fs.Name())
			fs.Usage()
			os.Exit(1)
		}
	}
}

func fail(msg string, err error) {
	fmt.Printf("%s: %v\n", msg, err)
	os.Exit(1)
}

// withRegistry connects to postgres and redis using the server's
// configuration and runs fn against a tenant registry.
func withRegistry(fn func(ctx context.Context, reg *tenant.Registry) error) {
	cfg, err := config.Load()
	if err != nil {
		fail("Error loading config", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pg, err := database.NewPostgres(cfg.Database.Postgres)
	if err != nil {
		fail("Error connecting to postgres", err)
	}
	defer pg.Close()
	if err := pg.Ping(ctx); err != nil {
		fail("Error connecting to postgres", err)
	}

	rdb := database.NewRedis(cfg.Database.Redis)
	defer rdb.Close()
	if err := rdb.Ping(ctx); err != nil {
		fail("Error connecting to redis", err)
	}

	v, err := vault.New([]byte(cfg.Vault.MasterKey))
	if err != nil {
		fail("Error initializing vault", err)
	}

	st := store.New(pg.DB)
	if err := st.Migrate(ctx); err != nil {
		fail("Error migrating schema", err)
	}

	log := logger.FromZap(logger.New("warn", "console"))
	reg := tenant.NewRegistry(st, rdb.Client, v, tenant.Config{
		CacheTTL:     config.GetDuration(cfg.Tenants.CacheTTL),
		DefaultQuota: cfg.Tenants.DefaultQuota,
	}, log)

	if err := fn(ctx, reg); err != nil {
		fail("Error", err)
	}
}

func help() {
	fmt.Print(`
Usage: tenant-onboard <command> [flags]

Commands:
  validate  Check a tenant profile file without touching the database
  create    Provision a tenant from a profile file
  suspend   Stop serving a tenant
  activate  Resume serving a tenant
  menu      Replace a tenant's menu configuration
  help      Show this help message

Examples:
  tenant-onboard validate -file configs/tenants/studio-ana.json
  tenant-onboard create -file configs/tenants/studio-ana.json
  tenant-onboard suspend -id 0f8fad5b-d9cb-469f-a165-70867728950e
  tenant-onboard menu -id 0f8fad5b-d9cb-469f-a165-70867728950e -file menu.json

Use 'tenant-onboard <command> -h' for more information about a command.
` + "\n")
}
