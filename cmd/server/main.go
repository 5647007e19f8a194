package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/gorm"

	auditchain "github.com/kpiflow/kpiflow/internal/audit/chain"
	common "github.com/kpiflow/kpiflow/internal/cli/common"
	"github.com/kpiflow/kpiflow/internal/db"
	approvalsgorm "github.com/kpiflow/kpiflow/internal/repo/gorm/approvals"
	changereqgorm "github.com/kpiflow/kpiflow/internal/repo/gorm/changereq"
	hierarchygorm "github.com/kpiflow/kpiflow/internal/repo/gorm/hierarchy"
	notifgorm "github.com/kpiflow/kpiflow/internal/repo/gorm/notifications"
	perfgorm "github.com/kpiflow/kpiflow/internal/repo/gorm/perf"
	proxyloggorm "github.com/kpiflow/kpiflow/internal/repo/gorm/proxylog"
	usersgorm "github.com/kpiflow/kpiflow/internal/repo/gorm/users"
	"github.com/kpiflow/kpiflow/internal/security/rbac"
	httpserver "github.com/kpiflow/kpiflow/internal/server/http"
	"github.com/kpiflow/kpiflow/internal/telemetry"
)

func migrateAll(gdb *gorm.DB) error {
	for _, fn := range []func(*gorm.DB) error{
		usersgorm.AutoMigrate,
		hierarchygorm.AutoMigrate,
		perfgorm.AutoMigrate,
		approvalsgorm.AutoMigrate,
		changereqgorm.AutoMigrate,
		notifgorm.AutoMigrate,
		proxyloggorm.AutoMigrate,
	} {
		if err := fn(gdb); err != nil {
			return err
		}
	}
	return nil
}

// seedAdmin creates the bootstrap admin account on first start. The
// password comes from config, or is generated and logged once.
func seedAdmin(ctx context.Context, gdb *gorm.DB, username, password string) error {
	if username == "" {
		username = "admin"
	}
	repo := usersgorm.New(gdb)
	if _, err := repo.GetByUsername(ctx, username); err == nil {
		return nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	generated := false
	if password == "" {
		b := make([]byte, 12)
		if _, err := rand.Read(b); err != nil {
			return err
		}
		password = hex.EncodeToString(b)
		generated = true
	}
	u := &usersgorm.UserAccount{
		Username:    username,
		DisplayName: "Administrator",
		Email:       username + "@local",
		Role:        usersgorm.RoleAdmin,
		Active:      true,
	}
	if err := repo.Create(ctx, u); err != nil {
		return err
	}
	if err := repo.SetPassword(ctx, u.ID, password); err != nil {
		return err
	}
	if generated {
		slog.Warn("bootstrap admin created with generated password", "username", username, "password", password)
	} else {
		slog.Info("bootstrap admin created", "username", username)
	}
	return nil
}

func main() {
	var cfgFile string
	var includes []string
	var profile string
	root := &cobra.Command{
		Use:   "kpiflow-server",
		Short: "KPI approval workflow server",
		RunE: func(cmd *cobra.Command, args []string) error {
			common.SetupLoggerWithFile("info", "console", "", 0, 0, 0, false)
			viper.SetEnvPrefix("KPIFLOW")
			viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
			viper.AutomaticEnv()
			if cfgFile != "" {
				loaded, err := common.LoadWithIncludes(cfgFile, includes)
				if err != nil {
					slog.Warn("read config", "error", err)
				} else {
					_ = viper.MergeConfigMap(loaded.AllSettings())
					slog.Info("config loaded", "file", cfgFile, "includes", len(includes))
				}
			}
			v := viper.GetViper()
			// settings may nest under a server: key; accept both layouts
			if sub := v.Sub("server"); sub != nil {
				v = sub
			}
			v, err := common.ApplyProfile(v, profile)
			if err != nil {
				return err
			}
			if err := common.ValidateServerConfig(v); err != nil {
				return err
			}
			common.MergeLogSection(v)
			common.SetupLoggerWithFile(
				v.GetString("log.level"),
				v.GetString("log.format"),
				v.GetString("log.file"),
				v.GetInt("log.max_size"),
				v.GetInt("log.max_backups"),
				v.GetInt("log.max_age"),
				v.GetBool("log.compress"),
			)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			gdb, err := db.Open(v.GetString("db.dsn"))
			if err != nil {
				return err
			}
			if err := migrateAll(gdb); err != nil {
				return err
			}
			if err := seedAdmin(ctx, gdb, v.GetString("admin.username"), v.GetString("admin.password")); err != nil {
				return err
			}

			policy, err := rbac.LoadOrDefault(v.GetString("rbac.policy"))
			if err != nil {
				return err
			}
			if v.GetString("rbac.policy") != "" && v.GetBool("rbac.watch") {
				if err := policy.Watch(ctx); err != nil {
					slog.Warn("rbac watch", "error", err)
				}
			}

			var audit *auditchain.Writer
			if p := v.GetString("audit.path"); p != "" {
				audit, err = auditchain.NewWriter(p)
				if err != nil {
					return err
				}
				defer audit.Close()
			}

			cfg := httpserver.Config{
				TokenSecret: v.GetString("auth.token_secret"),
				TokenTTL:    v.GetDuration("auth.token_ttl"),
				Policy:      policy,
				Audit:       audit,
			}
			if cfg.TokenSecret == "" {
				// dev fallback; tokens do not survive restarts
				b := make([]byte, 32)
				if _, err := rand.Read(b); err != nil {
					return err
				}
				cfg.TokenSecret = hex.EncodeToString(b)
				slog.Warn("auth.token_secret not set, using an ephemeral secret")
			}

			if v.GetBool("telemetry.enable_tracing") || v.GetBool("telemetry.enable_metrics") {
				tp, err := telemetry.NewProvider(ctx, telemetry.Config{
					ServiceName:    "kpiflow",
					ServiceVersion: v.GetString("telemetry.service_version"),
					Environment:    v.GetString("telemetry.environment"),
					CollectorURL:   v.GetString("telemetry.collector_url"),
					EnableTracing:  v.GetBool("telemetry.enable_tracing"),
					EnableMetrics:  v.GetBool("telemetry.enable_metrics"),
					SamplingRatio:  v.GetFloat64("telemetry.sampling_ratio"),
				})
				if err != nil {
					return err
				}
				defer func() { _ = tp.Shutdown(context.Background()) }()
				cfg.Metrics = tp.Workflow
			}

			srv, err := httpserver.NewServer(gdb, cfg)
			if err != nil {
				return err
			}
			addr := v.GetString("http_addr")
			if addr == "" {
				addr = ":8080"
			}
			return srv.Start(ctx, addr)
		},
	}
	root.Flags().StringVarP(&cfgFile, "config", "c", "", "config file (yaml)")
	root.Flags().StringSliceVar(&includes, "include", nil, "additional config files merged over the base config")
	root.Flags().StringVar(&profile, "profile", "", "profile overlay from the profiles.<name> section")
	if err := root.Execute(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}
