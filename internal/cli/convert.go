package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"fx-rate-pipeline/internal/app"
)

var convertCmd = &cobra.Command{
	Use:   "convert FROM TO AMOUNT",
	Short: "Convert an amount using the latest persisted snapshot",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := decimal.NewFromString(args[2])
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", args[2], err)
		}

		return getApp().Convert(cmd.Context(), app.ConvertOptions{
			From:   args[0],
			To:     args[1],
			Amount: amount,
		})
	},
}
