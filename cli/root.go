package main

import (
	"fmt"

	"github.com/sliverarmory/plthook"
	"github.com/spf13/cobra"
	"github.com/xyproto/env/v2"
)

var moduleName string

var rootCmd = &cobra.Command{
	Use:          "plthook [module...]",
	Short:        "List the patchable import table entries of the running process or a loaded module",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		names := args
		if len(names) == 0 {
			names = []string{moduleName}
		}
		for _, name := range names {
			if err := printSymbols(cmd, name); err != nil {
				return err
			}
		}
		return nil
	},
}

func printSymbols(cmd *cobra.Command, name string) error {
	object, err := plthook.Open(name)
	if err != nil {
		return err
	}
	defer object.Close()

	path, err := object.Path()
	if err != nil {
		return err
	}
	symbols, err := object.Symbols()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s (%d entries)\n", path, len(symbols))
	for _, symbol := range symbols {
		name := symbol.Name
		if name == "" {
			name = fmt.Sprintf("<ordinal %d>", symbol.Ordinal)
		}
		if symbol.Library != "" {
			name = symbol.Library + ":" + name
		}
		fmt.Fprintf(out, "  %#016x -> %#016x  %s\n", symbol.Slot, symbol.Target, name)
	}
	return nil
}

func init() {
	rootCmd.Flags().StringVar(&moduleName, "module", env.Str("PLTHOOK_MODULE", ""),
		"Module name or path to inspect when no arguments are given (empty means the main program)")
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}
