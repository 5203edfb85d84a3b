// Command qacli is the terminal front end of the text relay.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"airelay/internal/app"
	"airelay/internal/config"
	"airelay/internal/logging"
	"airelay/internal/models"
	"airelay/internal/service/relay"
	"airelay/internal/storage"
)

var (
	configPath string
	userName   string
	verbose    bool
	logsKind   string
	logsLimit  int
)

var rootCmd = &cobra.Command{
	Use:   "qacli",
	Short: "Ask the configured language model questions from the terminal",
	Long: `Interactive question answering over the same relay the web service uses.

Every question is validated, sent to the model, and written to the
interaction log. Type 'exit' to quit.`,
	SilenceUsage: true,
	RunE:         runChat,
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print recent interactions, most recent first",
	RunE:  runLogs,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("AIRELAY_CONFIG"), "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr at debug level")
	rootCmd.Flags().StringVarP(&userName, "name", "n", "", "name recorded with each question")
	logsCmd.Flags().StringVar(&logsKind, "kind", "", "filter by kind (text or image)")
	logsCmd.Flags().IntVar(&logsLimit, "limit", 20, "number of records to print (0 for all)")
	rootCmd.AddCommand(logsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	level := "warn"
	if verbose {
		level = "debug"
	}
	logger, err := logging.New(level, true)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a, err := app.Build(ctx, cfg, logger, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	return chatLoop(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), a.Pipeline, userName)
}

type asker interface {
	Ask(ctx context.Context, sub relay.TextSubmission) (*relay.Outcome, error)
}

// chatLoop reads questions line by line until EOF, "exit", or ctx is done.
func chatLoop(ctx context.Context, in io.Reader, out io.Writer, p asker, name string) error {
	rule := strings.Repeat("=", 50)
	fmt.Fprintln(out, rule)
	fmt.Fprintln(out, " Q&A - command line")
	fmt.Fprintln(out, " Type 'exit' to quit.")
	fmt.Fprintln(out, rule)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Fprint(out, "\nEnter your question: ")
		if !scanner.Scan() {
			fmt.Fprintln(out, "\nGoodbye!")
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if strings.EqualFold(line, "exit") {
			fmt.Fprintln(out, "Goodbye!")
			return nil
		}
		if line == "" {
			continue
		}

		fmt.Fprintf(out, "\n[Tokens]: %q\n", relay.Tokenize(line))
		outcome, err := p.Ask(ctx, relay.TextSubmission{SubmittedBy: name, Question: line})
		switch {
		case errors.Is(err, relay.ErrValidation):
			fmt.Fprintf(out, "\n[Error]: %v\n", err)
		case err != nil:
			return err
		default:
			label := "[Answer]"
			if outcome.Failed {
				label = "[Fallback]"
			}
			fmt.Fprintf(out, "\n%s:\n%s\n", label, outcome.Result)
			if outcome.Warning != "" {
				fmt.Fprintf(out, "[Warning]: %s\n", outcome.Warning)
			}
		}
		fmt.Fprintln(out, strings.Repeat("-", 50))

		if ctx.Err() != nil {
			return nil
		}
	}
}

func runLogs(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, _, err := storage.OpenStore(cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	filter := storage.ListFilter{Kind: models.Kind(logsKind), Limit: logsLimit}
	return printLogs(cmd.Context(), cmd.OutOrStdout(), store, filter)
}

func printLogs(ctx context.Context, out io.Writer, store storage.Store, filter storage.ListFilter) error {
	switch filter.Kind {
	case "", models.KindText, models.KindImage:
	default:
		return fmt.Errorf("kind must be text or image, got %q", filter.Kind)
	}
	n := 0
	for rec, err := range store.List(ctx, filter) {
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "#%d  %s  %-5s  %-6s  %s\n    Q: %s\n    A: %s\n",
			rec.ID, rec.CreatedAt.Format("2006-01-02 15:04:05"), rec.Kind, rec.Status, rec.SubmittedBy,
			oneLine(rec.Input), oneLine(rec.Result))
		n++
	}
	if n == 0 {
		fmt.Fprintln(out, "No interactions logged yet.")
	}
	return nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
