package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	defaultAddr := "localhost:8080"
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		defaultAddr = "localhost:" + strings.TrimPrefix(port, ":")
	}

	addr := flag.String("addr", defaultAddr, "relay 服务地址 host:port")
	outcome := flag.String("outcome", "approve", "操作台最终决定: approve 或 reject")
	reason := flag.String("reason", "instrument-declined", "reject 时使用的原因")
	code := flag.String("code", "123456", "客户端提交的验证码")
	amount := flag.Int64("amount", 28750, "交易金额（最小货币单位）")
	skipVerify := flag.Bool("skip-verify", false, "跳过验证码环节直接决定")
	timeout := flag.Duration("timeout", 15*time.Second, "整个场景的超时时间")

	flag.Parse()

	if *outcome != "approve" && *outcome != "reject" {
		flag.Usage()
		log.Fatal("请通过 -outcome=approve 或 -outcome=reject 指定结果")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	scenario := Scenario{
		Outcome:    *outcome,
		Reason:     *reason,
		Code:       *code,
		Amount:     *amount,
		SkipVerify: *skipVerify,
	}

	log.Printf("开始探测 relay: addr=%s outcome=%s", *addr, *outcome)
	result, err := Run(ctx, "ws://"+*addr+"/ws", scenario)
	if err != nil {
		log.Fatalf("探测失败: %v", err)
	}

	fmt.Printf("transaction=%s status=%s reason=%s elapsed=%s\n", result.TransactionID, result.Status, result.Reason, result.Elapsed)
}
