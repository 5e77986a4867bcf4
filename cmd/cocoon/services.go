package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/cuemby/cocoon/pkg/health"
	"github.com/cuemby/cocoon/pkg/proxy"
	"github.com/spf13/cobra"
)

// Service registry commands
var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "Inspect the local service registry",
}

var servicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered services",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := loadRegistry(cmd)
		if err != nil {
			return err
		}
		if registry.Len() == 0 {
			fmt.Println("No services registered")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tADDRESS")
		for _, ep := range registry.List() {
			fmt.Fprintf(tw, "%s\t%s\n", ep.Name, ep.Address())
		}
		return tw.Flush()
	},
}

var servicesCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe every registered service",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := loadRegistry(cmd)
		if err != nil {
			return err
		}
		httpPath, _ := cmd.Flags().GetString("http-path")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		ctx, cancel := context.WithTimeout(context.Background(), timeout+time.Second)
		defer cancel()
		reports := health.CheckServices(ctx, registry.List(), health.ProbeOptions{
			HTTPPath: httpPath,
			Timeout:  timeout,
		})

		unhealthy := 0
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tADDRESS\tCHECK\tSTATUS\tLATENCY\tMESSAGE")
		for _, r := range reports {
			status := "healthy"
			if !r.Healthy {
				status = "unhealthy"
				unhealthy++
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.Service, r.Address, r.Type, status, r.Duration.Round(time.Millisecond), r.Message)
		}
		if err := tw.Flush(); err != nil {
			return err
		}

		if unhealthy > 0 {
			return fmt.Errorf("%d of %d services unhealthy", unhealthy, len(reports))
		}
		return nil
	},
}

func init() {
	servicesCmd.AddCommand(servicesListCmd)
	servicesCmd.AddCommand(servicesCheckCmd)

	servicesCheckCmd.Flags().String("http-path", "", "Probe with HTTP GET on this path instead of a TCP connect")
	servicesCheckCmd.Flags().Duration("timeout", health.DefaultTimeout, "Timeout for each probe")
}

func loadRegistry(cmd *cobra.Command) (*proxy.Registry, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return proxy.NewRegistry(cfg.Services)
}
