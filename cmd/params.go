package main

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/plantops/chillwatch/internal/model"
)

var (
	paramsYear        int
	paramsKWhPrice    float64
	paramsConsumption float64
)

var paramsCmd = &cobra.Command{
	Use:   "params",
	Short: "Manage operator-entered economic parameters",
}

var paramsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Set the kWh price and total factory consumption for a year",
	RunE: func(cmd *cobra.Command, args []string) error {
		if paramsYear == 0 {
			return eris.New("--year is required")
		}
		if paramsKWhPrice <= 0 {
			return eris.New("--kwh-price must be positive")
		}

		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		p := model.UserParameters{
			Year:             paramsYear,
			KWhPrice:         paramsKWhPrice,
			TotalConsumption: paramsConsumption,
			UpdatedAt:        time.Now().UTC(),
		}
		if err := st.UpsertParameters(ctx, p); err != nil {
			return eris.Wrapf(err, "set parameters for %d", paramsYear)
		}

		cmd.Printf("Parameters for %d saved: kWh price %.4f, total consumption %.1f\n",
			p.Year, p.KWhPrice, p.TotalConsumption)
		return nil
	},
}

var paramsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored parameters by year",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		params, err := st.ListParameters(ctx)
		if err != nil {
			return eris.Wrap(err, "list parameters")
		}
		if len(params) == 0 {
			cmd.Println("No parameters stored.")
			return nil
		}

		cmd.Printf("%-6s %-12s %-20s %s\n", "YEAR", "KWH PRICE", "TOTAL CONSUMPTION", "UPDATED")
		for _, p := range params {
			cmd.Printf("%-6d %-12.4f %-20.1f %s\n",
				p.Year, p.KWhPrice, p.TotalConsumption, p.UpdatedAt.Format("2006-01-02"))
		}
		return nil
	},
}

func init() {
	paramsSetCmd.Flags().IntVar(&paramsYear, "year", 0, "calendar year the parameters apply to")
	paramsSetCmd.Flags().Float64Var(&paramsKWhPrice, "kwh-price", 0, "electricity price per kWh")
	paramsSetCmd.Flags().Float64Var(&paramsConsumption, "total-consumption", 0, "total factory consumption for the year (kWh)")

	paramsCmd.AddCommand(paramsSetCmd)
	paramsCmd.AddCommand(paramsListCmd)
	rootCmd.AddCommand(paramsCmd)
}
