// Package main trustctl：迁移、签发令牌、代币管理与守恒审计的运维命令行
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"trustfund/internal/app"
	"trustfund/internal/config"
	"trustfund/internal/escrow"
	"trustfund/internal/migrations"
	"trustfund/pkg/db"
	"trustfund/pkg/logger"
	"trustfund/pkg/rbac"
	"trustfund/pkg/util"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type cli struct {
	configDir string
	cfg       *config.Config
	log       *zap.Logger
}

func rootCmd() *cobra.Command {
	c := &cli{}
	cmd := &cobra.Command{
		Use:           "trustctl",
		Short:         "Operate the trustfund escrow ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.configDir)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.log = logger.NewLogger(cfg.Env, cfg.Log.Level)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.log != nil {
				_ = c.log.Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVar(&c.configDir, "config-dir", os.Getenv("CONFIG_DIR"), "Directory holding base.yaml and <env>.yaml")

	cmd.AddCommand(c.migrateCmd(), c.tokenCmd(), c.mintCmd(), c.auditCmd())
	return cmd
}

func (c *cli) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the PostgreSQL schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrations.Up(db.DSN(c.cfg.DB), c.log)
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps <= 0 {
				return fmt.Errorf("--steps must be positive")
			}
			return migrations.Down(db.DSN(c.cfg.DB), steps, c.log)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "Number of versions to roll back")
	cmd.AddCommand(down)
	return cmd
}

func (c *cli) tokenCmd() *cobra.Command {
	var (
		identity string
		role     string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed bearer token for an identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			if identity == "" {
				return fmt.Errorf("--identity is required")
			}
			if !rbac.IsValidRole(role) {
				return fmt.Errorf("unknown role %q", role)
			}
			if ttl <= 0 {
				ttl = c.cfg.JWT.TTL
			}
			token, err := util.GenerateJWT(identity, role, c.cfg.JWT.Secret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&identity, "identity", "", "Identity the token authenticates")
	cmd.Flags().StringVar(&role, "role", rbac.RoleUser, "Role claim (user or admin)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime, defaults to jwt.ttl")
	return cmd
}

func (c *cli) mintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Manage token mints",
	}

	var (
		authority string
		decimals  uint8
	)
	create := &cobra.Command{
		Use:   "create <mint>",
		Short: "Register a new mint controlled by --authority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd, func(ctx context.Context, e *escrow.Engine) (any, error) {
				return e.CreateMint(ctx, escrow.Identity(authority), escrow.Mint(args[0]), decimals)
			})
		},
	}
	create.Flags().StringVar(&authority, "authority", "", "Identity allowed to issue the mint")
	create.Flags().Uint8Var(&decimals, "decimals", 6, "Display decimals")
	cmd.AddCommand(create)

	var (
		issuer string
		holder string
		amount uint64
	)
	issue := &cobra.Command{
		Use:   "issue <mint>",
		Short: "Issue tokens into the holder's associated account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd, func(ctx context.Context, e *escrow.Engine) (any, error) {
				return e.MintTo(ctx, escrow.Identity(issuer), escrow.Mint(args[0]), escrow.Identity(holder), amount)
			})
		},
	}
	issue.Flags().StringVar(&issuer, "authority", "", "Mint authority signing the issuance")
	issue.Flags().StringVar(&holder, "to", "", "Holder identity")
	issue.Flags().Uint64Var(&amount, "amount", 0, "Amount in base units")
	cmd.AddCommand(issue)
	return cmd
}

func (c *cli) auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit <project-key>",
		Short: "Check that the project vault holds exactly the pending milestone total",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := escrow.ParseKey(args[0])
			if err != nil {
				return err
			}
			var report *escrow.AuditReport
			err = c.withEngine(cmd, func(ctx context.Context, e *escrow.Engine) (any, error) {
				r, err := e.Audit(ctx, key)
				report = r
				return r, err
			})
			if err != nil {
				return err
			}
			if !report.Balanced {
				return fmt.Errorf("project %s is not balanced", key)
			}
			return nil
		},
	}
}

// withEngine 打开存储执行 fn，并把结果以 JSON 输出
func (c *cli) withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *escrow.Engine) (any, error)) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.cfg.Store.Driver == "memory" {
		c.log.Warn("trustctl against the memory store only affects this process")
	}
	res, err := app.OpenStore(ctx, c.cfg, c.log)
	if err != nil {
		return err
	}
	defer res.Close()

	out, err := fn(ctx, res.Engine)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
