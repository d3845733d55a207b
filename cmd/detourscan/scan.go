package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/arch/x86/x86asm"

	"github.com/joshuapare/detourkit/detour/arch"
	"github.com/joshuapare/detourkit/internal/mem"
)

var scanCmd = &cobra.Command{
	Use:   "scan <code-file>",
	Short: "Analyze a raw code dump",
	Long: `scan loads a raw dump of machine code and reports what an attach
would do to its first bytes: the instructions displaced into a trampoline,
whether the function ends before the overwrite window is covered, and the
trampoline reachability window for the assumed load address.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		return analyze(cmd, code)
	},
}

func packFor(name string) (arch.Pack, error) {
	switch name {
	case "amd64":
		return arch.X64(), nil
	case "386":
		return arch.X86(), nil
	case "arm":
		return arch.ARM(), nil
	case "arm64":
		return arch.ARM64(), nil
	}
	return nil, fmt.Errorf("unknown arch %q", name)
}

// analyze walks the prefix the way the attach copy loop does, printing one
// line per displaced instruction.
func analyze(cmd *cobra.Command, code []byte) error {
	pack, err := packFor(archName)
	if err != nil {
		return err
	}
	if len(code) < pack.SizeOfJump() {
		return fmt.Errorf("code is shorter than the %d-byte overwrite window", pack.SizeOfJump())
	}
	base := mem.Addr(code)
	logger.Debug("loaded code", "bytes", len(code), "arch", archName)

	out := cmd.OutOrStdout()
	budget := pack.SizeOfJump()
	fmt.Fprintf(out, "arch %s, overwrite window %d bytes\n", archName, budget)

	covered := 0
	for covered < budget && covered < len(code) {
		cursor := base + uintptr(covered)
		n, text := decodeOne(code[covered:], cursor)
		if n == 0 {
			fmt.Fprintf(out, "  +%02d  <undecodable>\n", covered)
			break
		}
		mark := ""
		if pack.DoesCodeEndFunction(cursor) {
			mark = "  [ends function]"
		} else if k := pack.CodeFiller(cursor); k > 0 {
			mark = "  [filler]"
		}
		fmt.Fprintf(out, "  +%02d  % -28x %s%s\n", covered, code[covered:covered+n], text, mark)
		if mark == "  [ends function]" {
			break
		}
		covered += n
	}

	bounds := boundsAt(pack, code)
	fmt.Fprintf(out, "trampoline window for %#x: [%#x, %#x]\n", loadAddr, bounds.Lo, bounds.Hi)
	return nil
}

// decodeOne renders a single instruction for the configured ISA; fixed
// 4-byte words on ARM64, halfword pairs on Thumb.
func decodeOne(code []byte, cursor uintptr) (int, string) {
	switch archName {
	case "amd64", "386":
		mode := 64
		if archName == "386" {
			mode = 32
		}
		inst, err := x86asm.Decode(code, mode)
		if err != nil {
			return 0, ""
		}
		return inst.Len, inst.String()
	case "arm64":
		if len(code) < 4 {
			return 0, ""
		}
		return 4, ""
	case "arm":
		if len(code) < 2 {
			return 0, ""
		}
		if code[1] >= 0xe8 && len(code) >= 4 {
			return 4, ""
		}
		return 2, ""
	}
	return 0, ""
}

// boundsAt computes the reachability window as if the code were loaded at
// the assumed address. The pack can only derive bounds from live addresses,
// so it is asked about a 16-byte copy of the dump's leading bytes at the
// copy's own address, and the resulting window is shifted by the distance
// from that address to the assumed one. Relative jump displacements do not
// depend on position, so any narrowing survives the shift; the lower bound
// is then clamped to 0x80000, and the upper bound is not re-saturated.
func boundsAt(pack arch.Pack, code []byte) arch.Bounds {
	stub := make([]byte, 16)
	copy(stub, code)
	b := pack.FindJumpBounds(mem.Addr(stub))
	shift := int64(loadAddr) - int64(mem.Addr(stub))
	lo := int64(b.Lo) + shift
	hi := int64(b.Hi) + shift
	if lo < 0x80000 {
		lo = 0x80000
	}
	return arch.Bounds{Lo: uintptr(lo), Hi: uintptr(hi)}
}
