package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/imgrelay/imgrelay/internal/cache"
	"github.com/imgrelay/imgrelay/internal/config"
	"github.com/imgrelay/imgrelay/internal/logging"
	"github.com/imgrelay/imgrelay/internal/metrics"
	"github.com/imgrelay/imgrelay/internal/proxy"
	"github.com/imgrelay/imgrelay/internal/server"
	"github.com/imgrelay/imgrelay/internal/server/routes"
	"github.com/imgrelay/imgrelay/internal/version"
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
		fmt.Fprintln(stdOut, version.Full())
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
		fields["index_backend"] = cfg.Global.IndexBackend
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	app, err := buildApp(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "构建 HTTP 服务失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["index_backend"] = cfg.Global.IndexBackend
	fields["index_path"] = cfg.Global.IndexPath
	fields["resources_dir"] = cfg.Global.ResourcesDir
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(app, cfg.Global.ListenPort, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// buildApp 按“索引 → 正文存储 → 回源 → Pipeline → Fiber app”顺序组装依赖。
func buildApp(cfg *config.Config, logger *logrus.Logger) (*fiber.App, error) {
	var backend cache.IndexBackend
	if cfg.UsesMemoryIndex() {
		backend = cache.NewMemoryBackend()
	} else {
		backend = cache.NewFileBackend(cfg.Global.IndexPath)
	}
	index := cache.NewIndex(backend, logger)

	store, err := cache.NewArtifactStore(cfg.Global.ResourcesDir)
	if err != nil {
		return nil, fmt.Errorf("初始化资源目录失败: %w", err)
	}

	m := metrics.New()
	fetcher := proxy.NewFetcher(server.NewUpstreamClient(cfg), cfg.Global.AcceptHeader, m)
	pipeline := proxy.NewPipeline(index, store, fetcher, logger, m)
	handler := proxy.NewHandler(pipeline, logger, m)

	app, err := server.NewApp(server.AppOptions{
		Logger:  logger,
		Relay:   handler,
		Metrics: m,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterDiagnosticRoutes(app, index, store, m)
	return app, nil
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("imgrelay", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 IMGRELAY_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("IMGRELAY_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = config.DefaultPath
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(app *fiber.App, port int, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
