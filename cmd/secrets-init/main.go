// secrets-init 把交易所 API 凭证写入 badger 凭证库。
// 凭证来源：命令行参数，缺省时退回环境变量（可先用 .env 注入）。
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/betbot/goconnect/pkg/secretstore"
)

func main() {
	var (
		envFile   = flag.String("env", ".env", "环境变量文件（可选）")
		dbPath    = flag.String("db", getenv("CONNECTOR_SECRET_DB", "data/secrets.badger"), "badger 凭证库路径")
		exchange  = flag.String("exchange", "", "交易所名（凭证 key 前缀）")
		apiKey    = flag.String("api-key", "", "API key；为空时读 EXCHANGE_API_KEY")
		apiSecret = flag.String("api-secret", "", "API secret；为空时读 EXCHANGE_API_SECRET")
	)
	flag.Parse()

	_ = godotenv.Load(*envFile)

	if strings.TrimSpace(*exchange) == "" {
		fatal(fmt.Errorf("-exchange 不能为空"))
	}
	key := firstNonEmpty(*apiKey, os.Getenv("EXCHANGE_API_KEY"))
	secret := firstNonEmpty(*apiSecret, os.Getenv("EXCHANGE_API_SECRET"))
	if key == "" {
		fatal(fmt.Errorf("API key 为空：传 -api-key 或设置 EXCHANGE_API_KEY"))
	}

	store, err := secretstore.Open(secretstore.OpenOptions{Path: *dbPath})
	if err != nil {
		fatal(err)
	}
	defer store.Close()

	entries := map[string]string{
		fmt.Sprintf("%s.api_key", *exchange): key,
	}
	if secret != "" {
		entries[fmt.Sprintf("%s.api_secret", *exchange)] = secret
	}
	for k, v := range entries {
		if err := store.SetString(k, v); err != nil {
			fatal(err)
		}
	}

	fmt.Fprintf(os.Stderr, "已写入 %d 项凭证到 %s\n", len(entries), *dbPath)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}
