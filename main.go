package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/netcache/netcache/internal/cache"
	"github.com/netcache/netcache/internal/config"
	"github.com/netcache/netcache/internal/interceptor"
	"github.com/netcache/netcache/internal/logging"
	"github.com/netcache/netcache/internal/server"
	"github.com/netcache/netcache/internal/strategy"
	"github.com/netcache/netcache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool

	// fetchURL 非空时只执行一次带缓存的请求，把正文写到 stdout 后退出。
	fetchURL  string
	fetchMode string
	fetchTime string
	fetchKey  string
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
		fields["cache_mode"] = cfg.Global.CacheMode
		fields["storage_path"] = cfg.Global.StoragePath
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 磁盘缓存 → 策略解析器 → 拦截器 → client，
	// 所有请求共享同一份缓存实例。
	store, err := cache.NewDiskStore(cache.Options{
		Directory: cfg.Global.StoragePath,
		MaxSize:   cfg.Global.MaxStoreSize,
		Logger:    logger,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).WithField("action", "shutdown").Warn("cache_close_failed")
		}
	}()

	defaults, err := cfg.Global.CacheDefaults()
	if err != nil {
		fmt.Fprintf(stdErr, "解析默认缓存策略失败: %v\n", err)
		return 1
	}

	transport, err := interceptor.New(interceptor.Options{
		Next:         server.NewTransport(),
		Store:        store,
		Resolver:     strategy.NewResolver(defaults),
		Logger:       logger,
		DrainTimeout: cfg.Global.DrainTimeout.DurationValue(),
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存拦截器失败: %v\n", err)
		return 1
	}
	client := server.NewUpstreamClient(cfg, transport)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["cache_mode"] = string(defaults.Mode)
	fields["cache_time"] = defaults.Validity.String()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if opts.fetchURL != "" {
		return fetchOnce(client, opts, logger)
	}

	if err := startHTTPServer(cfg, store, client, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("netcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		fetchURL   string
		fetchMode  string
		fetchTime  string
		fetchKey   string
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 NETCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.StringVar(&fetchURL, "fetch", "", "通过缓存请求一次 URL 并输出正文")
	fs.StringVar(&fetchMode, "mode", "", "本次请求的缓存模式（Custom-Cache-Mode）")
	fs.StringVar(&fetchTime, "time", "", "本次请求的缓存有效期秒数（Custom-Cache-Time）")
	fs.StringVar(&fetchKey, "key", "", "本次请求的缓存 key（Custom-Cache-Key）")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("NETCACHE_CONFIG")
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
		fetchURL:    fetchURL,
		fetchMode:   fetchMode,
		fetchTime:   fetchTime,
		fetchKey:    fetchKey,
	}, nil
}

// fetchOnce 发送一次 GET 请求，正文写入 stdout；非 2xx 状态返回退出码 1。
func fetchOnce(client *http.Client, opts cliOptions, logger *logrus.Logger) int {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, opts.fetchURL, nil)
	if err != nil {
		fmt.Fprintf(stdErr, "构造请求失败: %v\n", err)
		return 1
	}
	if opts.fetchMode != "" {
		req.Header.Set(strategy.HeaderMode, opts.fetchMode)
	}
	if opts.fetchTime != "" {
		req.Header.Set(strategy.HeaderTime, opts.fetchTime)
	}
	if opts.fetchKey != "" {
		req.Header.Set(strategy.HeaderKey, opts.fetchKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(stdErr, "请求失败: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	n, err := io.Copy(stdOut, resp.Body)
	if err != nil {
		fmt.Fprintf(stdErr, "读取响应失败: %v\n", err)
		return 1
	}

	logger.WithFields(logrus.Fields{
		"action": "fetch",
		"url":    opts.fetchURL,
		"status": resp.StatusCode,
		"bytes":  n,
	}).Info("fetch_complete")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		fmt.Fprintf(stdErr, "响应状态 %s\n", resp.Status)
		return 1
	}
	return 0
}

func startHTTPServer(cfg *config.Config, store cache.Store, client *http.Client, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Cache:      store,
		Client:     client,
		ListenPort: port,
	})
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
