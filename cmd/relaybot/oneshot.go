package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"relaybot/internal/bus"
	"relaybot/internal/dispatch"
	"relaybot/internal/domain"
	"relaybot/internal/tokenizer"
)

const stdoutChannel = "stdout"

func summarizeCmd() *cobra.Command {
	var noRaw bool
	cmd := &cobra.Command{
		Use:   "summarize <url>",
		Short: "Fetch a page and print its chunk summaries",
		Long:  "Runs the same path a pasted link takes in chat, printing to stdout instead of posting.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, ok := dispatch.ParseURI(args[0]); !ok {
				return fmt.Errorf("not a URL: %q", args[0])
			}
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			if noRaw {
				cfg.Summary.PostRawText = false
			}
			cfg.Reply.ChatID = ""

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			return oneShot(ctx, a, args[0], cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&noRaw, "no-raw", false, "print only the summaries, not the fetched text")
	return cmd
}

// oneShot dispatches text as if it arrived from a chat and prints every
// reply to w. Failures the dispatcher keeps off the channel are returned.
func oneShot(ctx context.Context, a *app, text string, w io.Writer) error {
	a.bus.OnOutbound(stdoutChannel, func(msg domain.OutboundMessage) {
		fmt.Fprintln(w, msg.Content)
		fmt.Fprintln(w)
	})

	id := uuid.NewString()
	start := time.Now()
	a.dispatcher.Handle(ctx, domain.InboundMessage{
		ID:       id,
		Channel:  stdoutChannel,
		ChatID:   "direct",
		SenderID: "cli",
		Content:  text,
	})

	for _, e := range a.events.Replay(bus.EventFetchFailed, start) {
		if e.String(bus.KeyMessageID) == id {
			return fmt.Errorf("fetch failed: %s", e.String(bus.KeyError))
		}
	}
	failed := 0
	for _, e := range a.events.Replay(bus.EventCompletionFailed, start) {
		if e.String(bus.KeyMessageID) == id {
			failed++
		}
	}
	if failed > 0 {
		logger.Warn("some completions failed and were skipped", "failed", failed)
	}
	return ctx.Err()
}

func chunkCmd() *cobra.Command {
	var (
		maxTokens int
		encoding  string
		verbose   bool
	)
	cmd := &cobra.Command{
		Use:   "chunk <file|->",
		Short: "Show how a text would be split into token windows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			if maxTokens <= 0 {
				maxTokens = cfg.Summary.MaxTokensPerChunk
			}
			if encoding == "" {
				encoding = cfg.Summary.Encoding
			}

			text, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			codec, err := tokenizer.NewCodec(encoding)
			if err != nil {
				return err
			}
			chunks, err := tokenizer.Split(text, maxTokens, codec)
			if err != nil {
				return err
			}

			total := 0
			for _, c := range chunks {
				total += len(c.TokenIDs)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "encoding:   %s\n", encoding)
			fmt.Fprintf(out, "tokens:     %d\n", total)
			fmt.Fprintf(out, "max/chunk:  %d\n", maxTokens)
			fmt.Fprintf(out, "chunks:     %d\n", len(chunks))
			for _, c := range chunks {
				line := fmt.Sprintf("  #%d  %d tokens", c.Index, len(c.TokenIDs))
				if verbose {
					line += "  " + preview(c.Text, 60)
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "tokens per chunk (default: summary.maxTokensPerChunk)")
	cmd.Flags().StringVar(&encoding, "encoding", "", "cl100k_base or words (default: summary.encoding)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print the start of each chunk")
	return cmd
}

func readInput(stdin io.Reader, name string) (string, error) {
	if name == "-" {
		data, err := io.ReadAll(stdin)
		return string(data), err
	}
	data, err := os.ReadFile(name)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("no such file: %s", name)
	}
	return string(data), err
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
