package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/cuemby/stratus/pkg/acl"
	"github.com/cuemby/stratus/pkg/db"
	"github.com/cuemby/stratus/pkg/pool"
	"github.com/spf13/cobra"
)

// VM commands
var vmCmd = &cobra.Command{
	Use:   "vm",
	Short: "Inspect virtual machines",
}

var vmListCmd = &cobra.Command{
	Use:   "list",
	Short: "List virtual machines",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, database, err := listSetup(cmd)
		if err != nil {
			return err
		}
		defer database.Close()

		vms := pool.NewVMPool(database, pool.Options{})
		opts.Where = vms.VisibleFilter(acl.NewManager(), opts.uid, opts.groups, opts.filter)
		if opts.json {
			return dump(vms.Dump(context.Background(), opts.DumpOptions))
		}

		list, err := vms.List(context.Background(), opts.DumpOptions)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tOWNER\tGROUP\tSTATE\tCPU\tMEMORY\tHOST")
		for _, vm := range list {
			host := "-"
			if h := vm.LastHistory(); h != nil {
				host = h.Hostname
			}
			fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\t%g\t%d\t%s\n",
				vm.OID, vm.Name, vm.UID, vm.GID, vm.StateString(), vm.CPU, vm.Memory, host)
		}
		return w.Flush()
	},
}

// Backup job commands
var backupJobCmd = &cobra.Command{
	Use:     "backupjob",
	Aliases: []string{"bj"},
	Short:   "Inspect backup jobs",
}

var backupJobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backup jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, database, err := listSetup(cmd)
		if err != nil {
			return err
		}
		defer database.Close()

		jobs := pool.NewBackupJobPool(database, pool.Options{})
		opts.Where = jobs.VisibleFilter(acl.NewManager(), opts.uid, opts.groups, opts.filter)
		if opts.json {
			return dump(jobs.Dump(context.Background(), opts.DumpOptions))
		}

		list, err := jobs.List(context.Background(), opts.DumpOptions)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tOWNER\tPRIORITY\tOUTDATED\tBACKING UP\tUPDATED\tERROR")
		for _, job := range list {
			fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\t%s\t%s\t%s\n",
				job.OID, job.Name, job.UID, job.Priority,
				orDash(job.Outdated.String()), orDash(job.BackingUp.String()),
				orDash(job.Updated.String()), orDash(job.Errors.String()))
		}
		return w.Flush()
	},
}

func init() {
	vmCmd.AddCommand(vmListCmd)
	backupJobCmd.AddCommand(backupJobListCmd)

	for _, cmd := range []*cobra.Command{vmListCmd, backupJobListCmd} {
		cmd.Flags().Int("uid", 0, "Caller user id")
		cmd.Flags().IntSlice("groups", []int{0}, "Caller group ids, primary group first")
		cmd.Flags().String("filter", "all", "Ownership filter: mine, group, mine-group, all or a user id")
		cmd.Flags().Int("offset", 0, "Skip the first N objects")
		cmd.Flags().Int("limit", 0, "Return at most N objects (0 for no limit)")
		cmd.Flags().Bool("desc", false, "Order by descending id")
		cmd.Flags().Bool("json", false, "Print the objects as JSON")
	}
}

type listOptions struct {
	pool.DumpOptions
	uid    int
	groups []int
	filter pool.OwnerFilter
	json   bool
}

func listSetup(cmd *cobra.Command) (*listOptions, db.DB, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	opts := &listOptions{}
	opts.uid, _ = cmd.Flags().GetInt("uid")
	opts.groups, _ = cmd.Flags().GetIntSlice("groups")
	opts.Offset, _ = cmd.Flags().GetInt("offset")
	opts.Limit, _ = cmd.Flags().GetInt("limit")
	opts.Desc, _ = cmd.Flags().GetBool("desc")
	opts.json, _ = cmd.Flags().GetBool("json")

	raw, _ := cmd.Flags().GetString("filter")
	if opts.filter, err = pool.ParseOwnerFilter(raw); err != nil {
		return nil, nil, err
	}

	database, err := db.Open(cfg.DBConfig())
	if err != nil {
		return nil, nil, err
	}
	return opts, database, nil
}

func dump(data []byte, err error) error {
	if err != nil {
		return err
	}
	var out []json.RawMessage
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
