package main

import (
	"os"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/spf13/cobra"

	"github.com/jbweber/bedrock/internal/catalog"
	"github.com/jbweber/bedrock/internal/config"
	"github.com/jbweber/bedrock/internal/fault"
	"github.com/jbweber/bedrock/internal/host"
	"github.com/jbweber/bedrock/internal/lvm"
	"github.com/jbweber/bedrock/internal/partition"
	"github.com/jbweber/bedrock/internal/pipeline"
	"github.com/jbweber/bedrock/internal/runner"
	"github.com/jbweber/bedrock/internal/selector"
	"github.com/jbweber/bedrock/internal/sysfs"
	"github.com/jbweber/bedrock/internal/usage"
)

var createOpts struct {
	disks            []string
	allDisks         bool
	vgName           string
	includeRemovable bool
	useSfdisk        bool
	verbose          bool
	configPath       string
}

func init() {
	createCmd.Flags().StringSliceVar(&createOpts.disks, "disks", nil,
		"comma-separated disk names to provision (e.g. sda,sdb)")
	createCmd.Flags().BoolVar(&createOpts.allDisks, "all-disks", false,
		"provision every disk that is not in use")
	createCmd.Flags().StringVar(&createOpts.vgName, "vg-name", "xenvg",
		"name of the volume group to create")
	createCmd.Flags().BoolVar(&createOpts.includeRemovable, "include-removable", false,
		"allow removable devices to be provisioned")
	createCmd.Flags().BoolVar(&createOpts.useSfdisk, "use-sfdisk", false,
		"force the legacy MBR partitioning tool")
	createCmd.Flags().BoolVarP(&createOpts.verbose, "verbose", "v", false,
		"echo every external command before running it")
	createCmd.Flags().StringVar(&createOpts.configPath, "config", "",
		"path to a policy configuration file")
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Wipe free disks and assemble them into a volume group",
	Long: `Create a volume-manager pool from the host's free disks.

Every selected disk is re-verified as free, its first sector is wiped,
it is partitioned (software-RAID devices are used whole), registered as
a physical volume, and finally all members are assembled into a single
volume group. Any disk going busy mid-run aborts the operation.

DESTRUCTIVE: data on the selected disks is not recoverable afterwards.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(createOpts.disks) == 0 && !createOpts.allDisks {
			return fault.Parameterf("no disks requested; pass --disks or --all-disks")
		}
		if len(createOpts.disks) > 0 && createOpts.allDisks {
			return fault.Parameterf("--disks and --all-disks are mutually exclusive")
		}
		if createOpts.vgName == "" {
			return fault.Parameterf("--vg-name must not be empty")
		}

		policy, err := config.Load(createOpts.configPath)
		if err != nil {
			return err
		}

		run := &runner.Exec{Echo: createOpts.verbose}
		manager := &lvm.Manager{Run: run}

		checker := host.NewChecker(sysBlockDir, procMountsPath, manager)
		if err := checker.CheckCreate(createOpts.vgName); err != nil {
			return err
		}

		sys := sysfs.FS{Root: sysBlockDir}
		classifier := usage.New(sys, devDir, policy, clock.WallClock)
		reader := catalog.NewReader(sys, devDir, policy, clock.WallClock, classifier)

		devices, err := reader.Enumerate(createOpts.includeRemovable)
		if err != nil {
			return err
		}

		selection, err := selector.Resolve(devices, selector.Request{
			AllFree: createOpts.allDisks,
			Disks:   createOpts.disks,
		})
		if err != nil {
			return err
		}

		byName := make(map[string]catalog.BlockDevice, len(devices))
		for _, d := range devices {
			byName[d.Name] = d
		}
		targets := make([]catalog.BlockDevice, 0, len(selection.Disks))
		for _, name := range selection.Disks {
			targets = append(targets, byName[name])
		}

		partitioner := &partition.Partitioner{
			Run:         run,
			DevDir:      devDir,
			ForceLegacy: createOpts.useSfdisk,
		}

		p := pipeline.New(classifier, partitioner, manager, devDir, os.Stdout, uuid.NewString())
		return p.Provision(createOpts.vgName, targets)
	},
}
