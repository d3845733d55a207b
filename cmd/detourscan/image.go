package main

import (
	"fmt"
	"os"

	"github.com/Binject/debug/pe"
	"github.com/spf13/cobra"

	"github.com/joshuapare/detourkit/internal/winpe"
)

var funcName string

var imageCmd = &cobra.Command{
	Use:   "image <pe-file>",
	Short: "Analyze an exported function inside a PE image",
	Long: `image opens a PE image, resolves an exported function by name, and
runs the same prefix analysis scan performs on raw dumps. The assumed load
address is the image base plus the export's RVA.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return analyzeImage(cmd, args[0])
	},
}

func init() {
	imageCmd.Flags().StringVar(&funcName, "func", "", "Exported function name (required)")
	_ = imageCmd.MarkFlagRequired("func")
}

func analyzeImage(cmd *cobra.Command, path string) error {
	f, err := pe.Open(path)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	defer f.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if name, ok := exportName(f, raw); ok {
		fmt.Fprintf(cmd.OutOrStdout(), "module %s\n", name)
	}

	exports, err := f.Exports()
	if err != nil {
		return fmt.Errorf("read exports: %w", err)
	}
	for _, exp := range exports {
		if exp.Name != funcName {
			continue
		}
		off, ok := rvaToOffset(f, exp.VirtualAddress)
		if !ok {
			return fmt.Errorf("export %s has no file data", funcName)
		}
		loadAddr = imageBase(f) + uint64(exp.VirtualAddress)
		logger.Debug("resolved export", "name", funcName, "rva", exp.VirtualAddress, "offset", off)
		return analyze(cmd, raw[off:])
	}
	return fmt.Errorf("export %q not found", funcName)
}

// exportName reads the image's export-directory name from the raw file and
// decodes its ANSI bytes.
func exportName(f *pe.File, raw []byte) (string, bool) {
	var dir pe.DataDirectory
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		dir = oh.DataDirectory[0]
	case *pe.OptionalHeader32:
		dir = oh.DataDirectory[0]
	default:
		return "", false
	}
	if dir.VirtualAddress == 0 || dir.Size < 40 {
		return "", false
	}
	off, ok := rvaToOffset(f, dir.VirtualAddress+12)
	if !ok || int(off)+4 > len(raw) {
		return "", false
	}
	nameRVA := uint32(raw[off]) | uint32(raw[off+1])<<8 | uint32(raw[off+2])<<16 | uint32(raw[off+3])<<24
	nameOff, ok := rvaToOffset(f, nameRVA)
	if !ok {
		return "", false
	}
	end := nameOff
	for end < uint32(len(raw)) && raw[end] != 0 && end-nameOff < 260 {
		end++
	}
	name, err := winpe.DecodeANSIName(raw[nameOff:end])
	if err != nil {
		return "", false
	}
	return name, true
}

func imageBase(f *pe.File) uint64 {
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		return oh.ImageBase
	case *pe.OptionalHeader32:
		return uint64(oh.ImageBase)
	}
	return 0
}

// rvaToOffset maps a virtual address to its file offset through the
// section table.
func rvaToOffset(f *pe.File, rva uint32) (uint32, bool) {
	for _, s := range f.Sections {
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+s.VirtualSize {
			return rva - s.VirtualAddress + s.Offset, true
		}
	}
	return 0, false
}
