package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/natefinch/atomic"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/xyproto/env/v2"
	"golang.org/x/term"

	insdylib "github.com/appsworld/insert-dylib"
)

var (
	dylibPath     string
	binaryPath    string
	outputPath    string
	weak          bool
	overwrite     bool
	stripCodesign bool
	allYes        bool
)

func init() {
	log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	if lvl, err := log.ParseLevel(env.Str("INSERT_DYLIB_LOGLEVEL", "info")); err == nil {
		log.SetLevel(lvl)
	}

	rootCmd.Flags().StringVarP(&dylibPath, "dylib", "d", "", "dylib path to insert")
	rootCmd.Flags().StringVarP(&binaryPath, "binary", "b", "", "binary file to patch")
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output path (default \"<binary>_patched\")")
	rootCmd.Flags().BoolVar(&weak, "weak", false, "use LC_LOAD_WEAK_DYLIB instead of LC_LOAD_DYLIB")
	rootCmd.Flags().BoolVar(&overwrite, "overwrite", false, "overwrite existent output file")
	rootCmd.Flags().BoolVar(&stripCodesign, "strip-codesign", false, "strip the code signature")
	rootCmd.Flags().BoolVar(&allYes, "all-yes", false, "answer yes to all prompts")
	rootCmd.MarkFlagRequired("dylib")
	rootCmd.MarkFlagRequired("binary")
}

var rootCmd = &cobra.Command{
	Use:           "insert-dylib",
	Short:         "Insert a dylib load command into a Mach-O binary",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(dylibPath) > insdylib.MaxDylibPathLen {
			return fmt.Errorf("dylib path is too long: %d bytes", len(dylibPath))
		}
		if outputPath == "" {
			outputPath = binaryPath + env.Str("INSERT_DYLIB_OUTPUT_SUFFIX", "_patched")
		}

		if !overwrite {
			if _, err := os.Stat(outputPath); err == nil {
				if !confirmOverwrite(outputPath) {
					fmt.Println("Not overwriting, aborted.")
					return nil
				}
			}
		}

		if err := copyBinary(binaryPath, outputPath); err != nil {
			return fmt.Errorf("failed to copy %s to %s: %w", binaryPath, outputPath, err)
		}

		cfg := &insdylib.Config{
			DylibPath:     dylibPath,
			OutputPath:    outputPath,
			Weak:          weak,
			StripCodesign: stripCodesign,
		}
		res, err := insdylib.Patch(cfg)
		if errors.Is(err, insdylib.ErrNotMachO) {
			fmt.Printf("Not a MachO binary: %s\n", binaryPath)
			return nil
		}
		if err != nil {
			return err
		}

		report(cfg, res)
		return nil
	},
}

// confirmOverwrite asks before clobbering an existing output file. A
// non-interactive stdin or --all-yes answers yes.
func confirmOverwrite(path string) bool {
	if allYes || !term.IsTerminal(int(os.Stdin.Fd())) {
		return true
	}
	fmt.Printf("%s already exists. Overwrite it? [y/N] ", path)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// copyBinary copies the input to the output path. The write is atomic
// so a failed copy never leaves a truncated output behind.
func copyBinary(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return atomic.WriteFile(dst, in)
}

func report(cfg *insdylib.Config, res *insdylib.Result) {
	lcName := cfg.LoadCmdName()
	if !res.Fat {
		if res.Failed == 0 {
			color.Green("Added %s to %s", lcName, outputPath)
		} else {
			color.Red("Failed to add %s", lcName)
		}
		return
	}
	switch {
	case res.Failed == 0:
		color.Green("Added %s to all archs in %s", lcName, outputPath)
	case res.Failed < res.NArch:
		color.Yellow("Added %s to %d/%d archs in %s", lcName, res.NArch-res.Failed, res.NArch, outputPath)
	default:
		color.Red("Failed to add %s to any archs.", lcName)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
