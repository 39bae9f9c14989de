package command

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tingly-dev/codex-relay/agentboot"
	"github.com/tingly-dev/codex-relay/internal/config"
	"github.com/tingly-dev/codex-relay/internal/obs"
	"github.com/tingly-dev/codex-relay/internal/protocol/stream"
	"github.com/tingly-dev/codex-relay/internal/protocol/toolblock"
)

// ReplayOptions holds the replay flags.
type ReplayOptions struct {
	ConfigPath     string
	Format         string
	Model          string
	OutputMode     string
	StopAfterTools string
	SuppressTail   bool
	IncludeUsage   bool
	MaxTokens      int
	Delay          time.Duration
}

// ReplayCommand renders a captured backend event log as client output.
func ReplayCommand() *cobra.Command {
	var opts ReplayOptions
	cmd := &cobra.Command{
		Use:   "replay <events.jsonl>",
		Short: "Render a captured backend event log as Chat Completions or Responses SSE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), args[0], opts, cmd.Flags(), cmd.OutOrStdout())
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&opts.ConfigPath, "config", "c", "", "config file supplying the output policy")
	fs.StringVarP(&opts.Format, "format", "f", "chat", "output format (chat, responses)")
	fs.StringVarP(&opts.Model, "model", "m", "codex", "model name reported in the output")
	fs.StringVar(&opts.OutputMode, "output-mode", "", "tool call output mode (raw, synthesized)")
	fs.StringVar(&opts.StopAfterTools, "stop-after-tools", "", "drop text after tool calls (off, any, first_burst)")
	fs.BoolVar(&opts.SuppressTail, "suppress-tail", false, "drop an unterminated tool block at the end")
	fs.BoolVar(&opts.IncludeUsage, "include-usage", true, "emit a usage chunk (chat format)")
	fs.IntVar(&opts.MaxTokens, "max-tokens", 0, "treat this many completion tokens as a length stop")
	fs.DurationVar(&opts.Delay, "delay", 0, "pause between events")
	return cmd
}

func runReplay(ctx context.Context, path string, opts ReplayOptions, fs *pflag.FlagSet, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	routerOpts, err := replayRouterOptions(opts, fs)
	if err != nil {
		return err
	}

	backend := &agentboot.ReplayBackend{Path: path, Delay: opts.Delay}
	src, err := backend.Start(ctx, agentboot.Request{Model: opts.Model})
	if err != nil {
		return err
	}
	defer src.Close()

	w := stream.NewSSEWriter(ctx, out)
	var sink stream.Sink
	switch opts.Format {
	case "chat":
		sink = stream.NewChatSink(w)
	case "responses":
		sink = stream.NewResponsesAdapter(w, routerOpts.Once)
		routerOpts.Protocol = "responses"
	default:
		return fmt.Errorf("unknown format %q", opts.Format)
	}

	return stream.NewRouter(sink, routerOpts).Run(ctx, src)
}

// replayRouterOptions resolves the output policy from the config, then flags.
func replayRouterOptions(opts ReplayOptions, fs *pflag.FlagSet) (stream.Options, error) {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return stream.Options{}, err
		}
		cfg = loaded
	}
	if fs.Changed("output-mode") {
		cfg.Output.Mode = opts.OutputMode
	}
	if fs.Changed("stop-after-tools") {
		cfg.Output.StopAfterTools = opts.StopAfterTools
	}
	if fs.Changed("suppress-tail") {
		cfg.Output.SuppressTail = opts.SuppressTail
	}
	if err := cfg.Validate(); err != nil {
		return stream.Options{}, err
	}

	policy := cfg.PolicyFor(opts.Model)
	once := obs.NewOnceRegistry()
	matchers := toolblock.DefaultMatchers()
	if policy.ToolCallBlocks {
		matchers = append(matchers, toolblock.ToolCallMatcher{})
	}
	return stream.Options{
		OutputMode:     policy.Mode,
		StopAfterTools: policy.StopAfterTools,
		SuppressTail:   policy.SuppressTail,
		FallbackReason: policy.FallbackReason,
		IncludeUsage:   opts.IncludeUsage,
		MaxTokens:      opts.MaxTokens,
		Model:          opts.Model,
		Protocol:       "chat",
		Streaming:      true,
		Scanner:        toolblock.NewScanner(once, matchers...),
		Once:           once,
	}, nil
}
