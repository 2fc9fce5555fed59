package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"GoGatewaySession/internal/config"
	"GoGatewaySession/internal/gateway"
	"GoGatewaySession/internal/httpserver"
	"GoGatewaySession/internal/logger"
	"GoGatewaySession/internal/shard"
	"GoGatewaySession/internal/store"
	"GoGatewaySession/internal/testserver"
)

func main() {
	var (
		mode       = flag.String("mode", "demo", "运行模式: demo, server, client")
		addr       = flag.String("addr", "127.0.0.1:8080", "模拟网关监听地址")
		configPath = flag.String("config", "", "配置文件路径（client模式）")
		duration   = flag.Duration("duration", 30*time.Second, "demo模式运行时长")
	)
	flag.Parse()

	logger.InitLogger()

	switch *mode {
	case "demo":
		runDemo(*duration)
	case "server":
		runServer(*addr)
	case "client":
		runClient(*configPath)
	default:
		fmt.Printf("未知模式: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}
}

// runDemo 演示模式：进程内起模拟网关，再挂两个分片的会话上去
func runDemo(duration time.Duration) {
	fmt.Println("🚀 GoGatewaySession - 网关会话管理器")
	fmt.Println("=====================================")
	fmt.Println()
	fmt.Println("📋 核心能力:")
	fmt.Println("  ✅ Hello/Identify/Resume 完整握手")
	fmt.Println("  ✅ 心跳保活 + 确认超时检测")
	fmt.Println("  ✅ 断线恢复与事件回放")
	fmt.Println("  ✅ 出站滑动窗口限流")
	fmt.Println("  ✅ 多分片协调与公会路由")
	fmt.Println()

	addr := "127.0.0.1:18200"
	server := testserver.New(testserver.DefaultServerConfig(addr))
	if err := server.Start(); err != nil {
		log.Fatalf("启动模拟网关失败: %v", err)
	}
	defer server.Shutdown(context.Background())

	gwCfg := gateway.DefaultConfig(fmt.Sprintf("ws://%s/gateway", addr), "test-token")
	coordCfg := shard.DefaultConfig(gwCfg, 2)
	coordCfg.StartInterval = 200 * time.Millisecond

	coordinator := shard.New(coordCfg)
	coordinator.SetEventHandler(func(shardID int, ev gateway.Event) {
		fmt.Printf("📨 [分片%d] 事件 %s seq=%d\n", shardID, ev.Name, ev.Sequence)
	})
	coordinator.SetStateChangeHandler(func(shardID int, oldState, newState gateway.State) {
		fmt.Printf("🔄 [分片%d] %s -> %s\n", shardID, oldState, newState)
	})

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	if err := coordinator.Start(ctx); err != nil {
		log.Fatalf("启动协调器失败: %v", err)
	}
	defer coordinator.Close()

	// 周期下发事件并中途注入一次断连，演示恢复流程
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		n := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n++
				server.Dispatch("MESSAGE_CREATE", map[string]int{"n": n})
				if n == 3 {
					fmt.Println("💉 注入断连，观察会话恢复...")
					server.DisconnectAll(4000, "injected")
				}
			}
		}
	}()

	<-ctx.Done()
	fmt.Println("\n📊 最终统计:")
	for k, v := range coordinator.GetStats() {
		fmt.Printf("   %s: %v\n", k, v)
	}
	fmt.Println("✅ 演示结束")
}

// runServer 独立运行模拟网关
func runServer(addr string) {
	fmt.Printf("🖥️  启动模拟网关 %s\n", addr)

	server := testserver.New(testserver.DefaultServerConfig(addr))
	if err := server.Start(); err != nil {
		log.Fatalf("启动失败: %v", err)
	}

	fmt.Printf("✅ 网关端点: ws://%s/gateway\n", addr)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	fmt.Println("\n🔄 正在关闭...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("关闭错误: %v", err)
	}
	fmt.Println("✅ 已关闭")
}

// runClient 按配置文件连接真实网关
func runClient(configPath string) {
	manager := config.NewManager(config.WithConfigPath(configPath), config.WithWatch(true))
	cfg, err := manager.Get()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	fmt.Printf("🔗 连接网关 %s（%d 个分片）\n", cfg.Gateway.URL, cfg.Shard.Count)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 恢复状态存储
	var resumeStore store.Store = store.NewMemoryStore()
	if pgxCfg := cfg.ToPgxConfig(); pgxCfg != nil {
		pgxStore, err := store.NewPgxStore(ctx, pgxCfg)
		if err != nil {
			log.Fatalf("连接恢复状态存储失败: %v", err)
		}
		defer pgxStore.Close()
		resumeStore = pgxStore
		fmt.Println("💾 恢复状态存储: postgres")
	}

	coordinator := shard.New(cfg.ToShardConfig(), shard.WithSessionFactory(
		func(_ int, sessCfg *gateway.Config) *gateway.Session {
			return gateway.New(sessCfg, gateway.WithResumeStore(resumeStore))
		}))
	coordinator.SetEventHandler(func(shardID int, ev gateway.Event) {
		log.Printf("[shard %d] event=%s seq=%d", shardID, ev.Name, ev.Sequence)
	})
	coordinator.SetShardDownHandler(func(shardID int, err error) {
		if err != nil {
			log.Printf("[shard %d] 终止: %v", shardID, err)
		}
	})

	if err := coordinator.Start(ctx); err != nil {
		log.Fatalf("启动协调器失败: %v", err)
	}
	defer coordinator.Close()

	// 运维HTTP服务
	if cfg.Ops.Enabled {
		ops := httpserver.NewOpsServer(cfg.Ops.Addr, coordinator, resumeStore)
		if err := ops.Start(); err != nil {
			log.Fatalf("启动运维服务失败: %v", err)
		}
		defer ops.Shutdown(context.Background())
		fmt.Printf("📊 运维接口: http://%s/api/v1/health\n", cfg.Ops.Addr)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	fmt.Println("\n🔄 正在关闭会话...")
}
