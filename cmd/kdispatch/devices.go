package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/notargets/KernelDispatch/session"
	"github.com/notargets/KernelDispatch/utils"
)

func newDevicesCmd(g *globalOptions) *cobra.Command {
	var (
		driverName string
		verbose    bool
	)
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List platforms and devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closer, err := utils.OpenSession(driverName, session.WithLogger(g.logger))
			if err != nil {
				return err
			}
			defer closer()
			return listDevices(cmd.OutOrStdout(), s, verbose)
		},
	}
	cmd.Flags().StringVar(&driverName, "driver", "host", "Driver (host, occa, opencl, webgpu)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show device limits and features")
	return cmd
}

func listDevices(out io.Writer, s *session.Session, verbose bool) error {
	plats, err := s.ListPlatforms()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, p := range plats {
		pinfo, err := s.PlatformInfo(p)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s : %s\t%s\n", p, pinfo.Vendor, pinfo.Name, pinfo.Version)
		devs, err := s.ListDevices(p, session.AnyDevice)
		if err != nil {
			return err
		}
		for _, d := range devs {
			info, err := s.DeviceInfo(d)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "  %s\t%s : %s\t%s\n", d, info.Vendor, info.Name, info.Type)
			if verbose {
				fmt.Fprintf(w, "\tcompute units\t%d\n", info.ComputeUnits)
				fmt.Fprintf(w, "\tmax work-group\t%d %v\n", info.MaxWorkGroupSize, info.MaxWorkItemSizes)
				fmt.Fprintf(w, "\tfp64\t%t\n", info.FP64)
				if len(info.Features) > 0 {
					fmt.Fprintf(w, "\tfeatures\t%s\n", strings.Join(info.Features, " "))
				}
			}
		}
	}
	return w.Flush()
}
