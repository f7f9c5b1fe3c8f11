package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	oklogrun "github.com/oklog/run"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/artifact-proxy/internal/config"
	"github.com/any-hub/artifact-proxy/internal/logging"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

const (
	configEnvVar    = "ARTIFACT_PROXY_CONFIG"
	shutdownTimeout = 10 * time.Second
)

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["origins"] = config.OriginNames(cfg.Origins)
		fields["storage_path"] = cfg.Global.StoragePath
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 元数据库/锁/缓存目录 → 崩溃恢复 → Fiber server，
	// 恢复完成之前不接受任何请求。
	rt, err := buildRuntime(context.Background(), cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化运行时失败: %v\n", err)
		return 1
	}
	defer rt.Close()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["origins"] = config.OriginNames(cfg.Origins)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_path"] = cfg.Global.StoragePath
	fields["version"] = rt.version
	logger.WithFields(fields).Info("配置加载完成")

	if err := serve(rt.app, listenAddress(cfg.Global), logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("artifact-proxy", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 ARTIFACT_PROXY_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv(configEnvVar)
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func listenAddress(g config.GlobalConfig) string {
	return net.JoinHostPort(g.ListenHost, strconv.Itoa(g.ListenPort))
}

// serve 用 run.Group 管理监听与信号两个 actor，任一退出都会触发另一方的中断。
func serve(app *fiber.App, addr string, logger *logrus.Logger) error {
	var g oklogrun.Group
	{
		term := make(chan os.Signal, 1)
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(
			func() error {
				select {
				case sig := <-term:
					logger.WithFields(logrus.Fields{"action": "shutdown", "signal": sig.String()}).Warn("signal_received")
				case <-cancel:
				}
				return nil
			},
			func(error) {
				signal.Stop(term)
				close(cancel)
			},
		)
	}
	{
		g.Add(
			func() error {
				logger.WithFields(logrus.Fields{
					"action": "listen",
					"addr":   addr,
				}).Info("Fiber 服务启动")
				return app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
			},
			func(error) {
				if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
					logger.WithError(err).WithField("action", "shutdown").Warn("fiber_shutdown_failed")
				}
			},
		)
	}

	err := g.Run()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	logger.WithField("action", "shutdown").Info("server_stopped")
	return nil
}
