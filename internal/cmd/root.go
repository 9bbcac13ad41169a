package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	cliflag "github.com/tomasbasham/cli-runtime/flag"
	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/printer"
	"github.com/tomasbasham/cli-runtime/templates"
)

var (
	rootLong = templates.LongDesc(`
		witness drives a headless Chromium instance to screenshot a batch of
		URLs concurrently, optionally recording the DOM, network traffic, and
		parsed scripts alongside each screenshot.`)

	rootExamples = templates.Examples(``)

	// Injected at build time using ldflags.
	version = ""
	commit  = ""
)

// WitnessOptions defines the options shared by every subcommand.
type WitnessOptions struct {
	iooption.IOStreams
}

// NewWitnessOptions provides an initialised WitnessOptions instance.
func NewWitnessOptions(streams iooption.IOStreams) *WitnessOptions {
	return &WitnessOptions{
		IOStreams: streams,
	}
}

// NewRootCommand creates the `witness` command with default arguments.
func NewRootCommand() *cobra.Command {
	options := NewWitnessOptions(iooption.IOStreams{
		In:     os.Stdin,
		Out:    os.Stdout,
		ErrOut: os.Stderr,
	})

	return NewRootCommandWithArgs(options)
}

// NewRootCommandWithArgs creates the `witness` command and its nested
// children.
func NewRootCommandWithArgs(o *WitnessOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "witness [command]",
		Version:               versionInfo(),
		DisableFlagsInUseLine: true,
		Short:                 "Headless-Chromium screenshot and capture tool",
		Long:                  rootLong,
		Example:               rootExamples,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}

	printerOpts := printer.WarningPrinterOptions{Color: true}
	printer := printer.NewWarningPrinter(o.ErrOut, printerOpts)
	cmd.SetGlobalNormalizationFunc(cliflag.WarnWordSepNormalizeFunc(printer))

	cmd.AddCommand(NewShootCommand(NewShootOptions(o.IOStreams)))
	cmd.AddCommand(NewServeCommand(NewServeOptions()))

	// The global normalisation function ensures that all flags specified meet
	// the desired format, changing users' input if necessary.
	cmd.SetGlobalNormalizationFunc(cliflag.WordSepNormalizeFunc())

	return cmd
}

func versionInfo() string {
	if version == "" {
		return ""
	}
	return fmt.Sprintf("%s (commit: %s)", version, commit)
}
