package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tomasbasham/cli-runtime/templates"

	"github.com/tomasbasham/witnessgo/internal/server"
)

// ServeOptions defines the options for the `serve` command.
type ServeOptions struct {
	Output string
	Port   int
}

var (
	serveLong = templates.LongDesc(`Serve a capture run's output directory over HTTP.`)

	serveExample = templates.Examples(`
		# Serve a completed run on the default port
		witness serve --output ./out

		# Serve on a custom port
		witness serve --output ./out --port 9090`)
)

// NewServeOptions provides an initialised ServeOptions instance.
func NewServeOptions() *ServeOptions {
	return &ServeOptions{}
}

// NewServeCommand creates the `serve` command.
func NewServeCommand(o *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Serve a capture run's output directory over HTTP",
		Long:    serveLong,
		Example: serveExample,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Validate(); err != nil {
				return err
			}
			return o.Run()
		},
	}

	cmd.Flags().StringVarP(&o.Output, "output", "o", "", "Output directory to serve (required)")
	cmd.Flags().IntVarP(&o.Port, "port", "p", 8080, "Port to listen on")

	return cmd
}

// Validate checks invariants before a listener is ever opened.
func (o *ServeOptions) Validate() error {
	if o.Output == "" {
		return fmt.Errorf("--output is required")
	}
	return nil
}

// Run starts the static file server.
func (o *ServeOptions) Run() error {
	srv := server.New(o.Output)
	addr := fmt.Sprintf(":%d", o.Port)
	fmt.Printf("Serving %s on %s\n", o.Output, addr)
	return srv.ListenAndServe(addr)
}
