package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"fx-rate-pipeline/internal/app"
)

var (
	showLimit      int
	showCurrencies []string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent rate snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:      showLimit,
			Currencies: showCurrencies,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of snapshots to display")
	showCmd.Flags().StringSliceVar(&showCurrencies, "currencies", nil, "Currency columns to print (default EUR,GBP,JPY)")
}
