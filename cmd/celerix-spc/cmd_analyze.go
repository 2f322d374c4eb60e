package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/celerix-dev/celerix-spc/internal/analysis"
	"github.com/celerix-dev/celerix-spc/internal/spc"
	"github.com/celerix-dev/celerix-spc/pkg/schema"
)

type parameterReport struct {
	Status     spc.ParameterStatus   `json:"status"`
	Capability *spc.CapabilityResult `json:"capability,omitempty"`
	// CapabilityError explains a missing capability section.
	CapabilityError string `json:"capabilityError,omitempty"`
}

func (c *cli) analyzeCmd() *cobra.Command {
	var (
		usl, lsl float64
		subgroup int
	)
	cmd := &cobra.Command{
		Use:   "analyze <recipe> [parameter]",
		Short: "Report process status and capability",
		Long: `With only a recipe, prints the recipe summary. With a parameter, prints the
parameter's control status and, when enough data and specification limits are
available, its capability indices.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if len(args) == 1 {
				sum, err := a.Analysis.Summary(args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sum)
			}

			recipe, parameter := args[0], args[1]
			status, err := a.Analysis.Status(recipe, parameter)
			if err != nil {
				return err
			}
			report := parameterReport{Status: status}

			req := analysis.SpecRequest{SubgroupSize: subgroup}
			if cmd.Flags().Changed("usl") {
				req.USL = &usl
			}
			if cmd.Flags().Changed("lsl") {
				req.LSL = &lsl
			}
			res, err := a.Analysis.Capability(recipe, parameter, req)
			switch {
			case err == nil:
				report.Capability = &res
			case errors.Is(err, schema.ErrInsufficientData), errors.Is(err, schema.ErrInvalidSpec):
				report.CapabilityError = err.Error()
			default:
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().Float64Var(&usl, "usl", 0, "upper specification limit (defaults to the stored limit)")
	cmd.Flags().Float64Var(&lsl, "lsl", 0, "lower specification limit (defaults to the stored limit)")
	cmd.Flags().IntVar(&subgroup, "subgroup", 0, "subgroup size for short-term sigma")
	return cmd
}

func (c *cli) limitsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "limits <recipe>",
		Short: "List, compute or set control limits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			limits, err := a.Records.GetLimits(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), limits)
		},
	}

	compute := &cobra.Command{
		Use:   "compute <recipe> [parameter]",
		Short: "Compute limits from stored data and reclassify records",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var out any
			if len(args) == 2 {
				if out, err = a.Analysis.ComputeLimits(args[0], args[1]); err != nil {
					return err
				}
			} else if out, err = a.Analysis.ComputeAllLimits(args[0]); err != nil {
				return err
			}
			changed, err := a.Analysis.RecomputeStatuses(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d record statuses changed\n", changed)
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	var ucl, lcl, cl, usl, lsl, target float64
	set := &cobra.Command{
		Use:   "set <recipe> <parameter>",
		Short: "Store a manual limit and reclassify records",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			limit := schema.ControlLimit{
				RecipeID: args[0], Parameter: args[1],
				UCL: ucl, LCL: lcl, CL: cl,
				Source: schema.LimitManual,
			}
			if cmd.Flags().Changed("usl") {
				limit.USL = &usl
			}
			if cmd.Flags().Changed("lsl") {
				limit.LSL = &lsl
			}
			if cmd.Flags().Changed("target") {
				limit.Target = &target
			}
			saved, err := a.Records.SetLimit(limit)
			if err != nil {
				return err
			}
			changed, err := a.Analysis.RecomputeStatuses(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d record statuses changed\n", changed)
			return printJSON(cmd.OutOrStdout(), saved)
		},
	}
	set.Flags().Float64Var(&ucl, "ucl", 0, "upper control limit")
	set.Flags().Float64Var(&lcl, "lcl", 0, "lower control limit")
	set.Flags().Float64Var(&cl, "cl", 0, "center line")
	set.Flags().Float64Var(&usl, "usl", 0, "upper specification limit")
	set.Flags().Float64Var(&lsl, "lsl", 0, "lower specification limit")
	set.Flags().Float64Var(&target, "target", 0, "target value")
	_ = set.MarkFlagRequired("ucl")
	_ = set.MarkFlagRequired("lcl")
	_ = set.MarkFlagRequired("cl")

	cmd.AddCommand(compute, set)
	return cmd
}
