package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	glog "github.com/cloudwego/hertz/pkg/common/hlog"
	hertzadapter "github.com/hertz-contrib/logger/zerolog"

	"cv-agent-go/internal/agent"
	"cv-agent-go/internal/api/handler"
	"cv-agent-go/internal/api/router"
	"cv-agent-go/internal/config"
	"cv-agent-go/internal/ingest"
	appCoreLogger "cv-agent-go/internal/logger"
	"cv-agent-go/internal/parser"
	"cv-agent-go/internal/processor"
	"cv-agent-go/internal/storage"
	"cv-agent-go/internal/sweeper"
)

func main() {
	initLogger()

	var configPath string
	var initConfig bool
	pflag.StringVarP(&configPath, "config", "c", "", "Path to config file (默认在常见位置搜索config.yaml)")
	pflag.BoolVar(&initConfig, "init-config", false, "生成示例配置文件config.yaml后退出")
	pflag.Parse()

	if initConfig {
		if err := config.CreateSampleConfig("config.yaml"); err != nil {
			glog.Fatalf("生成示例配置失败: %v", err)
		}
		return
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		glog.Fatalf("加载配置失败: %v", err)
	}
	glog.Info("配置加载成功")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracing.Enabled {
		shutdownTracing, err := initTracing(ctx, cfg.Tracing)
		if err != nil {
			glog.Fatalf("初始化链路追踪失败: %v", err)
		}
		defer shutdownTracing()
		glog.Infof("链路追踪已启用，collector: %s", cfg.Tracing.Endpoint)
	}

	storageManager, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		glog.Fatalf("初始化存储失败: %v", err)
	}
	defer storageManager.Close()
	glog.Info("存储服务初始化成功")

	if storageManager.MySQL == nil || storageManager.Qdrant == nil {
		glog.Fatalf("MySQL与Qdrant是必需组件，无法继续启动")
	}

	// Gemini 对话模型与嵌入器
	chatModel, err := agent.NewGeminiChatModel(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model,
		agent.WithTemperature(float32(cfg.Extractor.Temperature)),
		agent.WithMaxTokens(cfg.Extractor.MaxTokens),
	)
	if err != nil {
		glog.Fatalf("初始化Gemini对话模型失败: %v", err)
	}
	glog.Info("Gemini对话模型初始化成功")

	embedder, err := parser.NewGeminiEmbedder(ctx, cfg.Gemini.APIKey, cfg.Gemini.Embedding,
		log.New(appCoreLogger.Logger, "[Embedder] ", log.LstdFlags))
	if err != nil {
		glog.Fatalf("初始化Gemini嵌入器失败: %v", err)
	}
	glog.Info("Gemini嵌入器初始化成功")

	// 候选人信息抽取器
	extractorLogger := log.New(io.Discard, "", 0)
	if cfg.Logger.Level == "debug" {
		extractorLogger = log.New(os.Stderr, "[Extractor] ", log.LstdFlags|log.Lshortfile)
	}
	var extractorOptions []parser.LLMExtractorOption
	if cfg.Extractor.ExtractionTimeout != "" {
		extractorOptions = append(extractorOptions,
			parser.WithCallTimeout(config.GetDuration(cfg.Extractor.ExtractionTimeout, 60*time.Second)))
	}
	if cfg.Extractor.MaxRetries > 0 {
		extractorOptions = append(extractorOptions, parser.WithMaxRetries(cfg.Extractor.MaxRetries))
	}
	if cfg.Extractor.RetryWaitSeconds > 0 {
		extractorOptions = append(extractorOptions,
			parser.WithRetryWait(time.Duration(cfg.Extractor.RetryWaitSeconds)*time.Second))
	}
	candidateExtractor := parser.NewLLMCandidateExtractor(chatModel, extractorLogger, extractorOptions...)
	glog.Info("候选人信息抽取器初始化成功")

	// PDF文本提取与摄取器
	pdfExtractor, err := parser.NewEinoPDFTextExtractor(ctx,
		parser.WithEinoLogger(log.New(os.Stderr, "[PDF] ", log.LstdFlags)))
	if err != nil {
		glog.Fatalf("创建PDF提取器失败: %v", err)
	}

	localIngestor, err := ingest.NewLocalIngestor(pdfExtractor, log.New(appCoreLogger.Logger, "[Ingest] ", log.LstdFlags))
	if err != nil {
		glog.Fatalf("创建本地摄取器失败: %v", err)
	}
	driveIngestor, err := ingest.NewGDriveIngestor(pdfExtractor, cfg.Ingest, log.New(appCoreLogger.Logger, "[GDrive] ", log.LstdFlags))
	if err != nil {
		glog.Fatalf("创建Drive摄取器失败: %v", err)
	}

	// 组装处理器。Redis/RabbitMQ/MinIO缺失时对应能力按文档降级。
	components := processor.Components{
		Store:     storageManager.MySQL,
		Index:     storageManager.Qdrant,
		Extractor: candidateExtractor,
		Embedder:  embedder,
	}
	if storageManager.Redis != nil {
		components.Locker = storageManager.Redis
		components.Deduper = storageManager.Redis
	}
	if storageManager.RabbitMQ != nil {
		components.Publisher = storageManager.RabbitMQ
	}
	if storageManager.MinIO != nil {
		components.Uploader = storageManager.MinIO
	}

	processorLogger := log.New(appCoreLogger.Logger, "[Processor] ", log.LstdFlags|log.Lshortfile)
	resumeProcessor, err := processor.NewResumeProcessor(components, cfg.Qdrant.DefaultSearchLimit, processorLogger)
	if err != nil {
		glog.Fatalf("初始化ResumeProcessor失败: %v", err)
	}
	glog.Info("ResumeProcessor初始化成功")

	// 嵌入任务消费者
	var consumerStops []chan<- struct{}
	if storageManager.RabbitMQ != nil {
		if err := storageManager.RabbitMQ.SetupEmbedTopology(); err != nil {
			glog.Fatalf("声明嵌入队列拓扑失败: %v", err)
		}
		workers := cfg.RabbitMQ.EmbedWorkers
		if workers <= 0 {
			workers = 2
		}
		for i := 0; i < workers; i++ {
			stop, err := storageManager.RabbitMQ.StartConsumer(cfg.RabbitMQ.EmbedQueue, cfg.RabbitMQ.PrefetchCount, resumeProcessor.HandleEmbedTask)
			if err != nil {
				glog.Fatalf("启动嵌入消费者失败: %v", err)
			}
			consumerStops = append(consumerStops, stop)
		}
		glog.Infof("嵌入消费者已启动，工作线程数: %d", workers)
	} else {
		glog.Warn("RabbitMQ不可用，嵌入将同步内联执行")
	}

	// 孤儿向量清扫器
	var orphanSweeper *sweeper.Sweeper
	if cfg.Sweeper.Enabled {
		orphanSweeper = sweeper.NewSweeper(storageManager.Qdrant, storageManager.MySQL, cfg.Sweeper,
			log.New(appCoreLogger.Logger, "[Sweeper] ", log.LstdFlags))
		orphanSweeper.Start()
		glog.Info("孤儿向量清扫器已启动")
	}

	resumeHandler := handler.NewResumeHandler(cfg, resumeProcessor, localIngestor, driveIngestor)

	h := server.New(
		server.WithHostPorts(cfg.Server.Address),
		server.WithHandleMethodNotAllowed(true),
	)
	h.Use(func(c context.Context, ctx *app.RequestContext) {
		glog.CtxInfof(c, "Request: %s %s", string(ctx.Method()), string(ctx.Path()))
		ctx.Next(c)
		glog.CtxInfof(c, "Response: status %d", ctx.Response.StatusCode())
	})

	router.RegisterRoutes(h, resumeHandler)
	glog.Info("HTTP路由注册成功")

	glog.Infof("HTTP 服务器启动中，监听地址: %s", cfg.Server.Address)
	go func() {
		if err := h.Run(); err != nil {
			glog.Fatalf("启动HTTP服务器失败: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	glog.Info("接收到终止信号，正在优雅退出...")

	for _, stop := range consumerStops {
		close(stop)
	}
	if orphanSweeper != nil {
		orphanSweeper.Stop()
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := h.Shutdown(shutdownCtx); err != nil {
		glog.Fatalf("服务器关闭失败: %v", err)
	}
	glog.Info("优雅退出完成")
}

// initTracing 安装OTLP gRPC导出的全局TracerProvider，返回关闭函数
func initTracing(ctx context.Context, cfg config.TracingConfig) (func(), error) {
	conn, err := grpc.DialContext(ctx, cfg.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "cv-agent-go"),
		)),
	)
	otel.SetTracerProvider(tp)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			glog.Warnf("关闭TracerProvider失败: %v", err)
		}
		_ = conn.Close()
	}, nil
}

func initLogger() {
	logFilePath := "logs/app.log"
	if err := os.MkdirAll("logs", 0o755); err != nil {
		log.Fatalf("无法创建日志目录: %v", err)
	}
	fileWriter, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Fatalf("无法打开日志文件 %s: %v", logFilePath, err)
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	}
	multiWriter := zerolog.MultiLevelWriter(consoleWriter, fileWriter)

	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	zerolog.TimeFieldFormat = "15:04:05"

	logger := zerolog.New(multiWriter).With().Timestamp().Caller().Logger()
	appCoreLogger.Logger = logger
	zlog.Logger = logger

	glog.SetLogger(hertzadapter.From(appCoreLogger.Logger))
	glog.SetLevel(glog.LevelDebug)

	log.Println("Logger initialized, writing to console and file:", logFilePath)
}
