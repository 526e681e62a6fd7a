package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"chainwatch/internal/alerts"
	"chainwatch/internal/app"
)

var (
	simulateType    string
	simulateKey     string
	simulateState   string
	simulateMessage string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次告警状态变化并推送到 webhook",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Type:    simulateType,
			Key:     simulateKey,
			State:   alerts.State(strings.ToUpper(simulateState)),
			Message: simulateMessage,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateType, "type", alerts.TypeHealthFactor, "告警类型 (hf, rate, rate-divergence, price-delta)")
	simulateCmd.Flags().StringVar(&simulateKey, "key", "simulated", "告警 key")
	simulateCmd.Flags().StringVar(&simulateState, "state", string(alerts.StateBad), "BAD 或 GOOD")
	simulateCmd.Flags().StringVar(&simulateMessage, "message", "simulated alert", "告警内容")
}
