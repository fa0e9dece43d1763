package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/ondemand-dev/ondemand/internal/config"
	"github.com/ondemand-dev/ondemand/internal/logging"
	"github.com/ondemand-dev/ondemand/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	// .env 只补充未设置的环境变量，缺失时忽略
	_ = godotenv.Load()

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
		fields["compilers"] = config.CompilerNames(cfg.Compilers)
		fields["strategy"] = cfg.Global.CompileCacheStrategy
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 存储/源文件/锁 → 编译目录表 → 编排器 → Fiber server，
	// 所有请求共享同一组进程级状态。
	svc, err := newService(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := svc.Close(ctx); err != nil {
			logger.WithField("action", "shutdown").WithError(err).Warn("服务关闭时出现错误")
		}
	}()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["project"] = cfg.Global.ProjectDirectory
	fields["storage"] = cfg.Global.StorageBackend
	fields["strategy"] = cfg.Global.CompileCacheStrategy
	fields["compilers"] = svc.compilers.Keys()
	fields["directories"] = svc.table.Len()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, svc, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("ondemand", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./ondemand.toml，可被 ONDEMAND_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("ONDEMAND_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "ondemand.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(cfg *config.Config, svc *service, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	logger.WithFields(logrus.Fields{
		"action":  "listen",
		"port":    port,
		"compile": cfg.CompileURLPrefix(),
	}).Info("Fiber 服务启动")

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.app.Listen(fmt.Sprintf(":%d", port))
	}()

	select {
	case err := <-errCh:
		return err
	case sig := <-signals:
		logger.WithFields(logrus.Fields{"action": "shutdown", "signal": sig.String()}).Info("收到退出信号")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return svc.app.ShutdownWithContext(ctx)
	}
}
