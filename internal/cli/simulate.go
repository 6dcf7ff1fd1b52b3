package cli

import (
	"github.com/spf13/cobra"

	"fx-rate-pipeline/internal/app"
)

var (
	simulateQuotes []string
	simulateNotify bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "用静态报价在内存中运行流水线周期",
	Example: `  ratepipeline simulate \
    --quotes '{"a":{"EUR":0.80},"b":{"EUR":0.80}}' \
    --quotes '{"a":{"EUR":0.91},"b":{"EUR":0.93}}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Simulate(cmd.Context(), app.SimulateOptions{
			Cycles: simulateQuotes,
			Notify: simulateNotify,
		})
	},
}

func init() {
	simulateCmd.Flags().StringArrayVar(&simulateQuotes, "quotes", nil, "一个周期的报价 JSON: {provider: {code: rate}}, 可重复")
	simulateCmd.Flags().BoolVar(&simulateNotify, "notify", false, "通过已配置的告警通道发送异常")
}
