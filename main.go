package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/cache-proxy/internal/cache"
	"github.com/any-hub/cache-proxy/internal/config"
	"github.com/any-hub/cache-proxy/internal/logging"
	"github.com/any-hub/cache-proxy/internal/proxy"
	"github.com/any-hub/cache-proxy/internal/server"
	"github.com/any-hub/cache-proxy/internal/version"
)

// configEnvVar 在未传 -config 时提供配置文件路径。
const configEnvVar = "CACHE_PROXY_CONFIG"

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
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	code := run(ctx, opts)
	stop()
	os.Exit(code)
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
// ctx 结束时停止接受新连接，等待在途连接完成后返回。
func run(ctx context.Context, opts cliOptions) int {
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
		fields["listen"] = cfg.Global.ListenAddr()
		fields["cache_dir"] = cfg.Global.CacheDir
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动遵循“配置 → 磁盘缓存 → 回源 Dialer → Handler → 监听”顺序，
	// 所有连接共享同一个缓存实例与同 key 锁表。
	store, err := cache.NewStore(cfg.Global.CacheDir)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}

	var journal cache.Journal
	if cfg.Global.JournalPath != "" {
		journal, err = cache.OpenJournal(cfg.Global.JournalPath)
		if err != nil {
			fmt.Fprintf(stdErr, "初始化回源日志失败: %v\n", err)
			return 1
		}
		defer journal.Close()
	}

	handler := proxy.NewHandler(server.NewOriginDialer(cfg), logger, store, proxy.Options{
		BufferSize:    cfg.Global.BufferSize,
		OriginPort:    cfg.Origin.Port,
		ReadTimeout:   cfg.Origin.ReadTimeout.DurationValue(),
		ClientTimeout: cfg.Global.ClientTimeout.DurationValue(),
		Journal:       journal,
	})

	srv, err := server.New(server.Options{
		Logger:         logger,
		Handler:        handler,
		Mode:           cfg.Global.ConnectionMode,
		MaxConnections: cfg.Global.MaxConnections,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "构建监听服务失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen"] = cfg.Global.ListenAddr()
	fields["cache_dir"] = store.Dir()
	fields["connection_mode"] = string(cfg.Global.ConnectionMode)
	fields["origin_port"] = cfg.Origin.Port
	fields["journal"] = cfg.Global.JournalPath
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	adminDone := make(chan error, 1)
	if cfg.Admin.AdminEnabled() {
		go func() {
			adminDone <- startAdminServer(ctx, cfg, store, journal, logger)
		}()
	}

	if err := srv.ListenAndServe(ctx, cfg.Global.ListenAddr()); err != nil {
		fmt.Fprintf(stdErr, "代理服务启动失败: %v\n", err)
		return 1
	}

	cancel()
	if cfg.Admin.AdminEnabled() {
		<-adminDone
	}
	logger.WithField("action", "shutdown").Info("服务已退出")
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
// 两者都未提供时使用内置默认配置。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("cache-proxy", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（可被 "+configEnvVar+" 提供）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}
	if fs.NArg() > 0 {
		return cliOptions{}, fmt.Errorf("解析参数失败: 未知参数 %v", fs.Args())
	}

	path := os.Getenv(configEnvVar)
	if configFlag != "" {
		path = configFlag
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// startAdminServer 运行只读诊断接口，失败只记录日志，不影响代理本身。
func startAdminServer(ctx context.Context, cfg *config.Config, store cache.Store, journal cache.Journal, logger *logrus.Logger) error {
	app, err := server.NewAdminApp(server.AdminOptions{
		Logger:  logger,
		Store:   store,
		Config:  cfg,
		Journal: journal,
	})
	if err != nil {
		return err
	}
	err = server.ServeAdmin(ctx, app, cfg.AdminAddr(), logger)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithFields(logrus.Fields{
			"action": "admin",
			"addr":   cfg.AdminAddr(),
			"error":  err.Error(),
		}).Error("诊断接口启动失败")
	}
	return err
}
