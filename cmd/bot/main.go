package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trend-grid-bot-go/internal/api"
	"trend-grid-bot-go/internal/bot"
	"trend-grid-bot-go/internal/config"
	"trend-grid-bot-go/internal/exchange"
	"trend-grid-bot-go/internal/logger"
	"trend-grid-bot-go/internal/metrics"
	"trend-grid-bot-go/internal/models"
	"trend-grid-bot-go/internal/persistence"
	"trend-grid-bot-go/internal/storage"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file (.json or .yaml)")
	paper := flag.Bool("paper", false, "paper trading: real market data, simulated orders")
	paperBalance := flag.Float64("paper-balance", 1000, "initial USDT balance in paper mode")
	flag.Parse()

	// 先用默认配置初始化, 以便记录加载配置时的日志
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	log := logger.InitLogger(cfg.LogConfig)
	defer logger.Sync()

	if err := run(cfg, *paper, *paperBalance, log); err != nil {
		logger.S().Fatalf("机器人运行失败: %v", err)
	}
}

func run(cfg *models.Config, paper bool, paperBalance float64, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- 交易所 ---
	var ex exchange.Exchange
	if paper {
		creds, _ := config.LoadCredentials() // 行情接口无需密钥
		feed := exchange.NewBinanceExchange(creds.APIKey, creds.SecretKey, cfg.IsTestnet, log.Named("binance"))
		ex = exchange.NewSimExchange(exchange.SimConfig{
			Symbol:         cfg.Symbol,
			InitialBalance: paperBalance,
			MakerFeeRate:   0.0002,
			TakerFeeRate:   0.0004,
			SlippageRate:   0.0005,
		}, feed, log.Named("paper"))
		log.Info("--- 启动模拟盘模式 ---", zap.Float64("balance", paperBalance))
	} else {
		creds, err := config.LoadCredentials()
		if err != nil {
			return err
		}
		ex = exchange.NewBinanceExchange(creds.APIKey, creds.SecretKey, cfg.IsTestnet, log.Named("binance"))
		if cfg.IsTestnet {
			log.Info("正在使用币安测试网...")
		} else {
			log.Info("正在使用币安生产网...")
		}
	}

	// --- 实时价格 ---
	stream := exchange.NewPriceStream(
		exchange.StreamURL(config.WSBaseURL(cfg), cfg.Symbol),
		exchange.StreamConfig{
			PingInterval: time.Duration(cfg.WebSocketPingIntervalSec) * time.Second,
			PongWait:     time.Duration(cfg.WebSocketPongTimeoutSec) * time.Second,
		},
		log.Named("stream"),
	)
	go stream.Run(ctx)

	// --- 状态与成交日志 ---
	repo, err := persistence.NewBadgerRepository(cfg.StateDBPath)
	if err != nil {
		return err
	}
	defer repo.Close()

	journal, err := storage.OpenJournal(cfg.TradeDBPath)
	if err != nil {
		return err
	}
	defer journal.Close()

	m := metrics.New()

	gridBot, err := bot.NewGridTradingBot(ctx, bot.Options{
		Config:     *cfg,
		Exchange:   ex,
		Prices:     stream,
		Repository: repo,
		Journal:    journal,
		Metrics:    m,
		Logger:     log.Named("bot"),
	})
	if err != nil {
		return err
	}

	var server *api.Server
	if cfg.APIListenAddr != "" {
		server = api.NewServer(cfg.APIListenAddr, gridBot, m.Handler(), log.Named("api"))
		go func() {
			if err := server.Start(); err != nil {
				log.Error("控制接口异常退出", zap.Error(err))
			}
		}()
	}

	if err := gridBot.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("收到退出信号, 正在停止...")

	if server != nil {
		if err := server.Shutdown(); err != nil {
			log.Warn("关闭控制接口失败", zap.Error(err))
		}
	}
	gridBot.Stop()
	log.Info("机器人已成功停止，状态已保存。")
	return nil
}
