// gateguard 多租户 API 防护服务。
//
// 将身份分区限流、封禁预检与异步审计组合为一个可独立部署的
// HTTP 服务。
//
// 用法:
//
//	gateguard serve [--config config.yaml]
//
// 停止: SIGINT/SIGTERM 触发优雅停机，等待在途请求结束并把审计
// 余量限时落盘。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

// 版本信息（可通过 -ldflags 注入）。
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
)

func main() {
	os.Exit(run())
}

func createApp() *cli.Command {
	return &cli.Command{
		Name:    "gateguard",
		Usage:   "多租户 API 限流与防护服务",
		Version: fmt.Sprintf("%s (commit: %s)", Version, GitCommit),
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "启动防护服务",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "config",
						Aliases: []string{"c"},
						Usage:   "YAML 配置文件路径",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, err := loadConfig(cmd.String("config"))
					if err != nil {
						return err
					}
					serveCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
					defer stop()
					return runServe(serveCtx, cfg)
				},
			},
		},
		DefaultCommand: "serve",
	}
}

func run() int {
	if err := createApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
