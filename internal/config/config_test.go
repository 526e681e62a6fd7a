package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"chainwatch/internal/chain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  environment: test\n"))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if cfg.App.Name != "chainwatch" || cfg.App.Environment != "test" {
		t.Fatalf("app 配置错误: %+v", cfg.App)
	}
	if cfg.Shutdown.GracePeriod != 500*time.Millisecond {
		t.Fatalf("grace period 默认值错误: %s", cfg.Shutdown.GracePeriod)
	}
	if cfg.Chain.WatchdogTimeout != time.Minute {
		t.Fatalf("watchdog 默认值错误: %s", cfg.Chain.WatchdogTimeout)
	}
	if len(cfg.Aggregator.ReferralWindows) != 3 || cfg.Aggregator.ReferralWindows[2] != 15000 {
		t.Fatalf("referral windows 默认值错误: %v", cfg.Aggregator.ReferralWindows)
	}
	if cfg.Aggregator.DCAWindow != 50 {
		t.Fatalf("dca window 默认值错误: %d", cfg.Aggregator.DCAWindow)
	}
	if cfg.Diagnostics.Listen != ":3000" {
		t.Fatalf("diagnostics listen 默认值错误: %s", cfg.Diagnostics.Listen)
	}
	if cfg.Chain.BlockCacheSize != 1000 {
		t.Fatalf("block cache 默认值错误: %d", cfg.Chain.BlockCacheSize)
	}
	if cfg.Chain.Source != SourceEVM {
		t.Fatalf("chain source 默认值错误: %s", cfg.Chain.Source)
	}
	if cfg.Aggregator.HSMWindow != time.Minute {
		t.Fatalf("hsm window 默认值错误: %s", cfg.Aggregator.HSMWindow)
	}
}

func TestLoadFileSections(t *testing.T) {
	path := writeConfig(t, `
chain:
  lending_pools: ["0x1b02e051683b5cfac5929c25e84adb26ecf87b38"]
  reserve_assets:
    "0x531a654d1696ed52e7275a8cede955e82620f99a": 222
alerting:
  webhooks: ["https://hooks.example/a"]
  rate:
    - reserve: DOT
      kind: borrow
      threshold: "12%"
  price_deltas:
    - pair: DOT/USD
      change: "5%"
      window: 10m
currencies:
  assets:
    - id: 5
      symbol: DOT
      decimals: 10
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	pools := cfg.Chain.LendingPoolAddresses()
	if len(pools) != 1 || pools[0] != common.HexToAddress("0x1b02e051683b5cfac5929c25e84adb26ecf87b38") {
		t.Fatalf("lending pools 解析错误: %v", pools)
	}
	reserves := cfg.Chain.ReserveAssetIDs()
	if reserves[common.HexToAddress("0x531a654d1696ed52e7275a8cede955e82620f99a")] != chain.AssetID(222) {
		t.Fatalf("reserve assets 解析错误: %v", reserves)
	}
	rules := cfg.Alerting.Rules()
	if len(rules.Rate) != 1 || rules.Rate[0].Threshold != "12%" {
		t.Fatalf("rate 规则解析错误: %+v", rules.Rate)
	}
	if len(rules.PriceDeltas) != 1 || rules.PriceDeltas[0].Window != "10m" {
		t.Fatalf("price delta 规则解析错误: %+v", rules.PriceDeltas)
	}
	assets := cfg.Currencies.Preload()
	if len(assets) != 1 || assets[0].Symbol != "DOT" || assets[0].Decimals != 10 {
		t.Fatalf("assets 解析错误: %+v", assets)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("CHAINWATCH_ALERTING_WEBHOOKS", "https://a.example,https://b.example")
	t.Setenv("CHAINWATCH_ALERTING_HF", `[{"account":"0xabc","threshold":1.2}]`)
	t.Setenv("CHAINWATCH_SHUTDOWN_GRACE_PERIOD", "2s")
	t.Setenv("CHAINWATCH_AGGREGATOR_REFERRAL_POT", "7L53bUTB")

	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if len(cfg.Alerting.Webhooks) != 2 || cfg.Alerting.Webhooks[1] != "https://b.example" {
		t.Fatalf("webhooks 环境变量解析错误: %v", cfg.Alerting.Webhooks)
	}
	if len(cfg.Alerting.HF) != 1 || cfg.Alerting.HF[0].Account != "0xabc" || cfg.Alerting.HF[0].Threshold != 1.2 {
		t.Fatalf("hf 环境变量解析错误: %+v", cfg.Alerting.HF)
	}
	if cfg.Shutdown.GracePeriod != 2*time.Second {
		t.Fatalf("grace period 环境变量解析错误: %s", cfg.Shutdown.GracePeriod)
	}
	if cfg.Aggregator.ReferralPot != "7L53bUTB" {
		t.Fatalf("referral pot 环境变量解析错误: %s", cfg.Aggregator.ReferralPot)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"invalid pool":      "chain:\n  lending_pools: [\"not-an-address\"]\n",
		"telegram no token": "notify:\n  telegram:\n    enabled: true\n    chat_id: \"1\"\n",
		"bad rate kind":     "alerting:\n  rate:\n    - reserve: DOT\n      kind: lend\n      threshold: \"1%\"\n",
		"bad delta window":  "alerting:\n  price_deltas:\n    - pair: DOT/USD\n      change: \"5%\"\n      window: soon\n",
		"zero grace":        "shutdown:\n  grace_period: 0s\n",
		"file without path": "chain:\n  source: file\n",
		"unknown source":    "chain:\n  source: ws\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("期望校验失败: %s", name)
			}
		})
	}
}
