package app

import (
	"io"
	"os"

	"github.com/urfave/cli/v2"
)

// Command はアプリケーションのサブコマンド名を表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。引数なしの場合もこれになる。
	CommandServe Command = "serve"
	// CommandWorker は期日レポートジョブを起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandUser はユーザー管理を行うことを示す。
	CommandUser Command = "user"
	// CommandToken はアクセストークンを発行することを示す。
	CommandToken Command = "token"
	// CommandReport は条件に合う請求書を一覧出力することを示す。
	CommandReport Command = "report"
)

// NewCLI はサブコマンドを登録したcli.Appを生成する。
// ログとコマンド出力はwに書き込む。
func NewCLI(w io.Writer) *cli.App {
	if w == nil {
		w = os.Stdout
	}

	return &cli.App{
		Name:      "billman",
		Usage:     "bill tracking API server and operator tools",
		Writer:    w,
		ErrWriter: w,
		// エラーはRunの呼び出し元に返す
		ExitErrHandler: func(*cli.Context, error) {},
		Action: func(c *cli.Context) error {
			return withConfig(c, w, CommandServe, runServe)
		},
		Commands: []*cli.Command{
			{
				Name:  string(CommandServe),
				Usage: "start the HTTP API server",
				Action: func(c *cli.Context) error {
					return withConfig(c, w, CommandServe, runServe)
				},
			},
			{
				Name:  string(CommandWorker),
				Usage: "run the due-today report job periodically",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "once", Usage: "run the report once and exit"},
					&cli.StringFlag{Name: "metrics-addr", Value: ":9091", Usage: "listen address for /metrics (empty to disable)"},
				},
				Action: func(c *cli.Context) error {
					return withConfig(c, w, CommandWorker, runWorker)
				},
			},
			{
				Name:  string(CommandMigrate),
				Usage: "apply database migrations",
				Action: func(c *cli.Context) error {
					return withConfig(c, w, CommandMigrate, runMigrate)
				},
				Subcommands: []*cli.Command{
					{
						Name:  "rollback",
						Usage: "roll back applied migrations",
						Flags: []cli.Flag{
							&cli.IntFlag{Name: "steps", Value: 1, Usage: "number of migrations to roll back"},
						},
						Action: func(c *cli.Context) error {
							return withConfig(c, w, CommandMigrate, runRollback)
						},
					},
					{
						Name:  "status",
						Usage: "print the applied schema version",
						Action: func(c *cli.Context) error {
							return withConfig(c, w, CommandMigrate, runMigrateStatus)
						},
					},
				},
			},
			{
				Name:  string(CommandHealthcheck),
				Usage: "probe the /health endpoint of a running server",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "url", Usage: "base URL of the server (default http://localhost:$SERVER_PORT)"},
				},
				Action: func(c *cli.Context) error {
					return runHealthcheck(c.Context, healthcheckBaseURL(c.String("url")))
				},
			},
			{
				Name:  string(CommandUser),
				Usage: "manage users",
				Subcommands: []*cli.Command{
					{
						Name:  "create",
						Usage: "register a user",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "nickname", Required: true},
							&cli.StringFlag{Name: "email"},
						},
						Action: func(c *cli.Context) error {
							return withConfig(c, w, CommandUser, runUserCreate)
						},
					},
					{
						Name:  "block",
						Usage: "block or unblock a user",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "nickname", Required: true},
							&cli.BoolFlag{Name: "unblock", Usage: "lift the block instead"},
						},
						Action: func(c *cli.Context) error {
							return withConfig(c, w, CommandUser, runUserBlock)
						},
					},
				},
			},
			{
				Name:  string(CommandToken),
				Usage: "issue a bearer token for a user",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "nickname", Required: true},
				},
				Action: func(c *cli.Context) error {
					return withConfig(c, w, CommandToken, runToken)
				},
			},
			{
				Name:  string(CommandReport),
				Usage: "list bills matching a filter",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "filter", Value: "must_be_paid_today", Usage: "comma-separated filter names"},
					&cli.StringFlag{Name: "user-id", Usage: "restrict to bills owned by this user"},
				},
				Action: func(c *cli.Context) error {
					return withConfig(c, w, CommandReport, runReport)
				},
			},
		},
	}
}
