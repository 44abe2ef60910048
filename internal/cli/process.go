package cli

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ambiyansyah-risyal/esi"
	"github.com/ambiyansyah-risyal/esi/internal/config"
)

type processOptions struct {
	baseURL  string
	maxDepth int
	noCache  bool
	headers  []string
	timeout  time.Duration
}

func newProcessCommand(g *globalOptions) *cobra.Command {
	o := &processOptions{}

	cmd := &cobra.Command{
		Use:   "process [file]",
		Short: "Resolve the includes of a document",
		Long: `Reads markup from file, or from stdin when no file is given, replaces every
<esi:include> directive with the fragment it references and prints the result.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(cmd, g, o, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&o.baseURL, "base-url", "", "URL relative include sources are joined to")
	flags.IntVar(&o.maxDepth, "max-depth", esi.DefaultMaxDepth, "nested include levels to fetch")
	flags.BoolVar(&o.noCache, "no-cache", false, "do not merge identical concurrent fetches")
	flags.StringArrayVarP(&o.headers, "header", "H", nil, `header forwarded to fragment requests, as "Name: value"`)
	flags.DurationVar(&o.timeout, "timeout", 0, "timeout per fragment request")
	return cmd
}

func runProcess(cmd *cobra.Command, g *globalOptions, o *processOptions, args []string) error {
	cfg, err := g.loadConfig(cmd)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("base-url") {
		cfg.BaseURL = o.baseURL
	}
	if flags.Changed("max-depth") {
		cfg.MaxDepth = o.maxDepth
	}
	if flags.Changed("no-cache") {
		cfg.Cache = !o.noCache
	}
	if flags.Changed("timeout") {
		cfg.Client.Timeout = config.Duration(o.timeout)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	headers, err := parseHeaderFlags(o.headers)
	if err != nil {
		return err
	}

	markup, err := readInput(cmd, args)
	if err != nil {
		return err
	}

	logger, closeLog, err := openLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	p, err := buildProcessor(cfg, logger, nil)
	if err != nil {
		return err
	}

	out, err := p.Process(cmd.Context(), markup, esi.WithHeaders(headers))
	if err != nil {
		return fmt.Errorf("processing failed: %w", err)
	}
	_, err = io.WriteString(cmd.OutOrStdout(), out)
	return err
}

func readInput(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		in := cmd.InOrStdin()
		if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			return "", errors.New("no input: pass a file or pipe markup on stdin")
		}
		data, err := io.ReadAll(in)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), nil
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return string(data), nil
}

// parseHeaderFlags turns repeated "Name: value" flags into a header set.
func parseHeaderFlags(values []string) (http.Header, error) {
	headers := make(http.Header, len(values))
	for _, v := range values {
		name, value, ok := strings.Cut(v, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q, expected \"Name: value\"", v)
		}
		headers.Add(name, strings.TrimSpace(value))
	}
	return headers, nil
}
