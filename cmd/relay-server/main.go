// Package main 提供独立的中继服务器
//
// 中继服务器帮助 NAT 后的节点交换控制与数据消息。
//
// 使用方法:
//
//	go run main.go -listen :7464
//
// 日志配置通过环境变量:
//
//	RELAY_LOG_LEVEL=server=debug,info RELAY_LOG_FORMAT=json relay-server
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dep2p/go-relay/internal/core/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 解析命令行参数
	listen := flag.String("listen", ":7464", "监听地址")
	maxFrame := flag.Uint("max-frame-bytes", uint(server.DefaultConfig().MaxFrameBytes), "单帧最大字节数")
	sessionTTL := flag.Duration("session-ttl", 60*time.Second, "会话存活时长")
	sweepInterval := flag.Duration("sweep-interval", 10*time.Second, "过期会话清理间隔")
	flag.Parse()

	config := server.DefaultConfig()
	config.ListenAddr = *listen
	config.MaxFrameBytes = uint32(*maxFrame)
	config.SessionTTL = *sessionTTL
	config.SweepInterval = *sweepInterval

	srv, err := server.New(config, nil)
	if err != nil {
		return fmt.Errorf("创建中继服务器失败: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 捕获中断信号
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signalCh
		fmt.Printf("收到信号 %v，正在关闭...\n", sig)
		cancel()
	}()

	return srv.Run(ctx)
}
