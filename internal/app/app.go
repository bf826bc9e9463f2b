package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"golang.org/x/time/rate"

	"github.com/hitoshi/billman/internal/auth"
	"github.com/hitoshi/billman/internal/bill"
	"github.com/hitoshi/billman/internal/billquery"
	"github.com/hitoshi/billman/internal/config"
	"github.com/hitoshi/billman/internal/database"
	"github.com/hitoshi/billman/internal/handler"
	"github.com/hitoshi/billman/internal/logger"
	"github.com/hitoshi/billman/internal/metrics"
	"github.com/hitoshi/billman/internal/middleware"
	"github.com/hitoshi/billman/internal/model"
	"github.com/hitoshi/billman/internal/payment"
	"github.com/hitoshi/billman/internal/repository"
	"github.com/hitoshi/billman/internal/security"
	"github.com/hitoshi/billman/internal/user"
	"github.com/hitoshi/billman/internal/worker/duereport"
)

const dbPingTimeout = 5 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_FORMAT/LOG_LEVELに従って構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		// 設定エラーもJSONログで出せるようにしておく
		logger.SetupDefault(w, logger.FormatJSON, "info")
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, cfg.LogFormat, cfg.LogLevel)
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	return NewCLI(w).Run(append([]string{"billman"}, args...))
}

type action func(c *cli.Context, cfg *config.Config) error

// withConfig は設定とログを初期化してからactionを実行する。
func withConfig(c *cli.Context, w io.Writer, cmd Command, fn action) error {
	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	return fn(c, cfg)
}

// services はドメインサービス一式。
type services struct {
	bills *bill.Service
	users *user.Service
	auth  *auth.Service
}

func newServices(db *sql.DB, cfg *config.Config, collector metrics.MetricsCollector) *services {
	userRepo := repository.NewPostgresUserRepo(db)
	billRepo := repository.NewPostgresBillRepo(db)

	sanitizer := security.NewTextSanitizer()
	validator := payment.NewValidator(sanitizer, security.NewURLValidator())

	billService := bill.NewService(billRepo, userRepo, validator, collector, bill.Config{
		AmountCeiling:   cfg.BillAmountCeiling,
		CeilingOnUpdate: cfg.BillCeilingOnUpdate,
	})

	return &services{
		bills: billService,
		users: user.NewService(userRepo, billService, sanitizer),
		auth:  auth.NewService(auth.NewTokenManager(cfg.JWTSecret, cfg.TokenTTL), userRepo),
	}
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolOptions())
	if err != nil {
		return nil, err
	}

	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")
	return db, nil
}

// newRegistry はランタイムメトリクスを登録済みのレジストリを生成する。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// rateLimiterConfig はreq/min単位の設定をreq/secのリミッター設定に変換する。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rl := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rl.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rl.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitBillWrite > 0 {
		rl.BillWriteRate = rate.Limit(float64(cfg.RateLimitBillWrite) / 60.0)
		rl.BillWriteBurst = cfg.RateLimitBillWrite
	}
	return rl
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(c *cli.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := newRegistry()
	collector := metrics.NewCollector(reg)
	svc := newServices(db, cfg, collector)

	rateLimiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Authenticator:     svc.auth,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),
		HTTPMetrics:       collector,
		HealthChecker:     db,
		MetricsHandler:    metrics.Handler(reg),
		BillService:       svc.bills,
		UserService:       handler.NewUserServiceAdapter(svc.users),
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := serveUntilDone(ctx, server, cfg.ShutdownTimeout); err != nil {
		return err
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// serveUntilDone はctxがキャンセルされるまでserverを動かし、その後シャットダウンする。
func serveUntilDone(ctx context.Context, server *http.Server, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down HTTP server...", slog.String("addr", server.Addr))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// runWorker はワーカーモードで起動する。
// 当日期日の請求書集計を定期実行し、--metrics-addrでゲージを公開する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(c *cli.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := newRegistry()
	collector := metrics.NewCollector(reg)
	svc := newServices(db, cfg, collector)
	job := duereport.NewJob(svc.bills, collector, slog.Default())

	if c.Bool("once") {
		summary, err := job.RunOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "due today: %d bills, total %s %s\n",
			summary.Count, summary.Total.StringFixed(model.AmountFractionDigits), model.Currency)
		return nil
	}

	if addr := c.String("metrics-addr"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		metricsServer := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := serveUntilDone(ctx, metricsServer, cfg.ShutdownTimeout); err != nil {
				slog.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	slog.Info("worker starting",
		slog.Duration("due_report_interval", cfg.DueReportInterval),
	)

	// ctxがキャンセルされるまでブロックする
	job.Start(ctx, cfg.DueReportInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はすべての未適用マイグレーションを順番に適用する。
func runMigrate(_ *cli.Context, cfg *config.Config) error {
	slog.Info("running database migrations")

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runRollback は指定数のマイグレーションを巻き戻す。
func runRollback(c *cli.Context, cfg *config.Config) error {
	steps := c.Int("steps")
	slog.Info("rolling back database migrations", slog.Int("steps", steps))

	if err := database.RollbackMigrations(cfg.DatabaseURL, steps); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}

	slog.Info("database rollback completed successfully")
	return nil
}

// runMigrateStatus は適用済みのスキーマバージョンを出力する。
func runMigrateStatus(c *cli.Context, cfg *config.Config) error {
	version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "version=%d dirty=%t\n", version, dirty)
	return nil
}

// runUserCreate はユーザーを登録し、IDを出力する。
func runUserCreate(c *cli.Context, cfg *config.Config) error {
	db, err := openDB(c.Context, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	svc := newServices(db, cfg, nil)
	u, err := svc.users.Create(c.Context, c.String("nickname"), c.String("email"))
	if err != nil {
		return err
	}

	fmt.Fprintln(c.App.Writer, u.ID)
	return nil
}

// runUserBlock はニックネームで指定したユーザーの利用停止フラグを切り替える。
func runUserBlock(c *cli.Context, cfg *config.Config) error {
	db, err := openDB(c.Context, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	svc := newServices(db, cfg, nil)
	u, err := svc.users.FindByNickname(c.Context, c.String("nickname"))
	if err != nil {
		return err
	}

	updated, err := svc.users.SetBlocked(c.Context, u.ID, u.Version, !c.Bool("unblock"))
	if err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "%s blocked=%t version=%d\n", updated.Nickname, updated.Blocked, updated.Version)
	return nil
}

// runToken はアクセストークンを発行して出力する。
func runToken(c *cli.Context, cfg *config.Config) error {
	db, err := openDB(c.Context, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	svc := newServices(db, cfg, nil)
	token, err := svc.auth.IssueToken(c.Context, c.String("nickname"))
	if err != nil {
		return err
	}

	fmt.Fprintln(c.App.Writer, token)
	return nil
}

// runReport はフィルタに合う請求書を表形式で出力する。
func runReport(c *cli.Context, cfg *config.Config) error {
	pred, err := reportPredicate(c.String("filter"), c.String("user-id"))
	if err != nil {
		return err
	}

	db, err := openDB(c.Context, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	svc := newServices(db, cfg, nil)
	_, err = writeReport(c.App.Writer, svc.bills.ListBills(c.Context, pred))
	return err
}

func reportPredicate(filter, userID string) (billquery.Predicate, error) {
	pred, err := billquery.Parse(filter)
	if err != nil {
		return nil, err
	}
	if userID != "" {
		pred = billquery.And(pred, billquery.OwnedBy(userID))
	}
	return pred, nil
}

// writeReport は請求書をタブ区切りの表で書き出し、件数を返す。
func writeReport(w io.Writer, bills iter.Seq2[*model.Bill, error]) (int, error) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSER\tAMOUNT\tDUE\tPAID_AT\tPAYMENT")

	count := 0
	for b, err := range bills {
		if err != nil {
			tw.Flush()
			return count, fmt.Errorf("請求書の取得に失敗しました: %w", err)
		}

		paidAt := "-"
		if b.PaidAt != nil {
			paidAt = b.PaidAt.Format(time.RFC3339)
		}
		paymentType := string(b.PaymentType())
		if paymentType == "" {
			paymentType = "-"
		}

		fmt.Fprintf(tw, "%s\t%s\t%s %s\t%s\t%s\t%s\n",
			b.ID, b.UserID,
			b.Amount.Amount.StringFixed(model.AmountFractionDigits), model.Currency,
			b.Due.Format(time.DateOnly), paidAt, paymentType,
		)
		count++
	}

	if err := tw.Flush(); err != nil {
		return count, err
	}
	return count, nil
}

// healthcheckBaseURL はヘルスチェック先のベースURLを決める。
func healthcheckBaseURL(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}
	return "http://localhost:" + port
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(ctx context.Context, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
