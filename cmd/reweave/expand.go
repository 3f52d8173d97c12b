package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"reweave/internal/expand"
	"reweave/internal/logging"
	"reweave/internal/types"
)

var (
	expandSource string
	expandOut    string
)

// expandCmd runs the universal expansion engine headless, without the
// server. Progress goes to stderr, the document to stdout or --out.
var expandCmd = &cobra.Command{
	Use:   "expand [directive]",
	Short: "Generate a document from a free-text directive",
	Long: `Parses a directive (target length, mandated sections, style
constraints) into a section plan and generates each section in turn, with
earlier sections feeding the coherence context of later ones.

Examples:
  reweave expand "Write a 5000 word report on tidal energy"
  reweave expand "Turn this into a 20000 word dissertation" --source notes.txt`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExpand,
}

func init() {
	expandCmd.Flags().StringVarP(&expandSource, "source", "s", "", "File with seed material ('-' for stdin)")
	expandCmd.Flags().StringVarP(&expandOut, "out", "o", "", "Write the document to a file instead of stdout")
}

func runExpand(cmd *cobra.Command, args []string) error {
	if err := logging.Initialize(cfg.Logging.Dir, cfg.Logging.Debug || verbose, cfg.Logging.Level); err != nil {
		return err
	}
	defer logging.CloseAll()

	client, err := newLLMClient(cfg)
	if err != nil {
		return err
	}

	source := ""
	switch expandSource {
	case "":
	case "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		source = string(data)
	default:
		data, err := os.ReadFile(expandSource)
		if err != nil {
			return fmt.Errorf("failed to read source file: %w", err)
		}
		source = string(data)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine := expand.New(client, nil)
	res, err := engine.Run(ctx, expand.Request{
		Directive:  args[0],
		SourceText: source,
		Params:     types.UserParams{},
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Generated %d sections, %d words\n", len(res.Sections), res.FinalWords)

	if expandOut != "" {
		if err := os.WriteFile(expandOut, []byte(res.FinalOutput), 0644); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Wrote %s\n", expandOut)
		return nil
	}
	fmt.Println(res.FinalOutput)
	return nil
}
