package commands

import (
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/whatevermarch/Cauldron/internal/gpu/soft"
	"github.com/whatevermarch/Cauldron/internal/system"
)

var deviceInfoCmd = &cobra.Command{
	Use:   "device",
	Short: "Show device information",
	Long: `Display the memory layout of the software device.

Lists every memory type with its property flags and heap, the heap budgets
taken from the configuration, and the host RAM they are carved from.`,
	RunE: runDeviceInfo,
}

func init() {
	rootCmd.AddCommand(deviceInfoCmd)
}

func runDeviceInfo(cmd *cobra.Command, args []string) error {
	dev, _, err := openDevice(cfg)
	if err != nil {
		return err
	}
	defer dev.Close()

	printDeviceInfo(cmd.OutOrStdout(), dev)
	return nil
}

func printDeviceInfo(out io.Writer, dev *soft.Device) {
	fmt.Fprintf(out, "Device: %s\n", dev.Name())
	fmt.Fprintf(out, "Platform: %s\n\n", system.GetPlatform())

	fmt.Fprintln(out, "Memory types:")
	for i, mt := range dev.MemoryTypes() {
		fmt.Fprintf(out, "  [%d] heap %d  %s\n", i, mt.HeapIndex, mt.PropertyFlags)
	}

	fmt.Fprintln(out, "\nHeaps:")
	for i, h := range dev.Heaps() {
		kind := "host"
		if h.DeviceLocal {
			kind = "device-local"
		}
		fmt.Fprintf(out, "  [%d] %-12s %s\n", i, kind, system.FormatBytes(int64(h.Size)))
	}

	fmt.Fprintln(out, "\nHost:")
	fmt.Fprintf(out, "  CPUs: %d\n", runtime.NumCPU())
	info, err := system.GetRAMInfo()
	if err != nil {
		fmt.Fprintf(out, "  RAM: unavailable (%v)\n", err)
		return
	}
	fmt.Fprintf(out, "  RAM: %s total, %s available\n",
		system.FormatBytes(info.TotalBytes), system.FormatBytes(info.AvailableBytes))
	if usable, err := system.EstimateUsableRAM(); err == nil {
		fmt.Fprintf(out, "  Usable for pools: %s\n", system.FormatBytes(usable))
	}
}
