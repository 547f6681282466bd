package main

import (
	"fmt"

	"github.com/juju/clock"
	"github.com/spf13/cobra"

	"github.com/jbweber/bedrock/internal/catalog"
	"github.com/jbweber/bedrock/internal/config"
	"github.com/jbweber/bedrock/internal/host"
	"github.com/jbweber/bedrock/internal/lvm"
	"github.com/jbweber/bedrock/internal/output"
	"github.com/jbweber/bedrock/internal/runner"
	"github.com/jbweber/bedrock/internal/sysfs"
	"github.com/jbweber/bedrock/internal/usage"
)

var inspectOpts struct {
	includeRemovable bool
	noHeaders        bool
	configPath       string
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectOpts.includeRemovable, "include-removable", false,
		"include removable devices in the listing")
	inspectCmd.Flags().BoolVar(&inspectOpts.noHeaders, "no-headers", false,
		"omit the header row")
	inspectCmd.Flags().StringVar(&inspectOpts.configPath, "config", "",
		"path to a policy configuration file")
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "List block devices and their usage state",
	Long: `Inspect the host's block devices without modifying anything.

For every supported disk and partition, shows its size, device number,
whether it is currently in use, and the volume group owning it when it
is already registered with the volume manager.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		policy, err := config.Load(inspectOpts.configPath)
		if err != nil {
			return err
		}

		run := &runner.Exec{}
		manager := &lvm.Manager{Run: run}

		checker := host.NewChecker(sysBlockDir, procMountsPath, manager)
		if err := checker.CheckReadOnly(); err != nil {
			return err
		}

		sys := sysfs.FS{Root: sysBlockDir}
		classifier := usage.New(sys, devDir, policy, clock.WallClock)
		reader := catalog.NewReader(sys, devDir, policy, clock.WallClock, classifier)

		devices, err := reader.Enumerate(inspectOpts.includeRemovable)
		if err != nil {
			return err
		}

		owners := make(map[string]string)
		for _, device := range devices {
			vg, err := manager.PVOwner(catalog.DevPath(devDir, device.Name))
			if err != nil {
				return err
			}
			if vg != "" {
				owners[device.Name] = vg
			}
			for _, part := range device.Partitions {
				vg, err := manager.PVOwner(catalog.DevPath(devDir, part.Name))
				if err != nil {
					return err
				}
				if vg != "" {
					owners[part.Name] = vg
				}
			}
		}

		formatter := &output.TableFormatter{NoHeaders: inspectOpts.noHeaders}
		table, err := formatter.FormatDiskList(devices, owners)
		if err != nil {
			return err
		}
		fmt.Print(table)
		return nil
	},
}
