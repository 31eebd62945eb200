// Command nachos is the simulator's entry point: format, run, check,
// and stats subcommands over a disk image, the way go-apfs structures
// its discover/list/extract subcommands around a shared device flag.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nachosgo/nachos/internal/common"
	"github.com/nachosgo/nachos/internal/config"
	"github.com/nachosgo/nachos/internal/kernel"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "nachos",
	Short: "An instructional OS kernel simulator",
	Long: `nachos boots a simulated MIPS machine against a disk image and runs
the virtual-memory and file-system kernel described in this repository's
design documents.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "directory to search for nachos.yaml, in addition to the current directory")
	rootCmd.AddCommand(formatCmd, runCmd, checkCmd, statsCmd)
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.Load()
}

var formatCmd = &cobra.Command{
	Use:   "format",
	Short: "Initialize a fresh disk image with an empty root directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		k := kernel.New(cfg)
		if err := k.Boot(true); err != nil {
			return err
		}
		fmt.Printf("nachos: formatted %s (%d bytes)\n", cfg.DiskPath, common.NumSectors*common.SectorSize)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run [executable] [args...]",
	Short: "Exec a user program against the mounted file system",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		k := kernel.New(cfg)
		if err := k.Boot(cfg.Format); err != nil {
			return err
		}
		proc, err := k.SpawnProcess(args[0], true, args[1:], nil)
		if err != nil {
			return fmt.Errorf("nachos: %w", err)
		}
		fmt.Printf("nachos: spawned %s as space %d\n", args[0], proc.SpaceID)
		return nil
	},
}

var dumpFlag bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify file system consistency",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		k := kernel.New(cfg)
		if err := k.Boot(false); err != nil {
			return err
		}
		if !k.FileSystem().Check() {
			return fmt.Errorf("nachos: file system is inconsistent")
		}
		fmt.Println("nachos: file system is consistent")
		if dumpFlag {
			out, err := k.FileSystem().Dump()
			if err != nil {
				return err
			}
			fmt.Print(out)
		}
		return nil
	},
}

func init() {
	checkCmd.Flags().BoolVar(&dumpFlag, "dump", false, "also print every file header and free-sector count")
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print aggregated disk, console, and VM statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		k := kernel.New(cfg)
		if err := k.Boot(false); err != nil {
			return err
		}
		s := k.Stats()
		fmt.Printf("disk reads:        %d\n", s.DiskReads)
		fmt.Printf("disk writes:       %d\n", s.DiskWrites)
		fmt.Printf("console chars in:  %d\n", s.ConsoleCharsRead)
		fmt.Printf("console chars out: %d\n", s.ConsoleCharsWritten)
		fmt.Printf("free sectors:      %d\n", s.FreeSectors)
		fmt.Printf("free phys pages:   %d\n", s.FreePhysicalPages)
		fmt.Printf("running processes: %d\n", s.RunningProcesses)
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "nachos: %v\n", err)
		os.Exit(1)
	}
}
