package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/auditlens/internal/chat"
	"github.com/malbeclabs/auditlens/pkg/cube"
	"github.com/malbeclabs/auditlens/pkg/llm"
)

type AskCmd struct{}

func NewAskCmd() *AskCmd {
	return &AskCmd{}
}

type askFlags struct {
	cubeURL        string
	cubeSecret     string
	clickHouseAddr string
	clickHouseDB   string
	clickHouseUser string
	clickHousePass string
	model          string
	conversationID string
	joinTimeout    time.Duration
	asJSON         bool
}

func (c *AskCmd) Command() *cobra.Command {
	var f askFlags

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a question, or start an interactive session when none is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			verbose, err := cmd.Root().PersistentFlags().GetBool("verbose")
			if err != nil {
				return fmt.Errorf("failed to get verbose flag: %w", err)
			}
			log := newLogger(verbose)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			pipeline, err := newPipeline(cmd, log, f)
			if err != nil {
				return err
			}
			defer pipeline.Close()
			go func() {
				if err := pipeline.Run(ctx); err != nil {
					log.Error("pipeline stopped", "error", err)
				}
			}()

			if len(args) > 0 {
				_, err := ask(ctx, os.Stdout, pipeline.Service, f.conversationID, strings.Join(args, " "), f.asJSON)
				return err
			}
			return interactive(ctx, os.Stdin, os.Stdout, pipeline.Service, f)
		},
	}

	cmd.Flags().StringVar(&f.cubeURL, "cube-url", os.Getenv("CUBE_API_URL"), "cube.js REST base url (env: CUBE_API_URL)")
	cmd.Flags().StringVar(&f.cubeSecret, "cube-secret", os.Getenv("CUBE_API_SECRET"), "cube.js api secret (env: CUBE_API_SECRET)")
	cmd.Flags().StringVar(&f.clickHouseAddr, "clickhouse-addr", os.Getenv("CLICKHOUSE_ADDR"), "clickhouse address; takes precedence over cube (env: CLICKHOUSE_ADDR)")
	cmd.Flags().StringVar(&f.clickHouseDB, "clickhouse-database", envOr("CLICKHOUSE_DATABASE", "default"), "clickhouse database (env: CLICKHOUSE_DATABASE)")
	cmd.Flags().StringVar(&f.clickHouseUser, "clickhouse-user", envOr("CLICKHOUSE_USER", "default"), "clickhouse user (env: CLICKHOUSE_USER)")
	cmd.Flags().StringVar(&f.clickHousePass, "clickhouse-password", os.Getenv("CLICKHOUSE_PASSWORD"), "clickhouse password (env: CLICKHOUSE_PASSWORD)")
	cmd.Flags().StringVar(&f.model, "llm-model", envOr("LLM_MODEL", string(anthropic.ModelClaude3_5Haiku20241022)), "anthropic model (env: LLM_MODEL)")
	cmd.Flags().StringVar(&f.conversationID, "conversation", "", "continue an existing conversation id")
	cmd.Flags().DurationVar(&f.joinTimeout, "timeout", chat.DefaultJoinTimeout, "how long to wait for an answer")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "print the raw response as json")

	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newPipeline(cmd *cobra.Command, log *slog.Logger, f askFlags) (*chat.Pipeline, error) {
	cat, err := loadCatalog(cmd)
	if err != nil {
		return nil, err
	}

	var querier cube.Querier
	switch {
	case f.clickHouseAddr != "":
		querier, err = cube.NewClickHouseClient(
			cube.WithLogger(log),
			cube.WithAddr(f.clickHouseAddr),
			cube.WithDatabase(f.clickHouseDB),
			cube.WithUser(f.clickHouseUser),
			cube.WithPassword(f.clickHousePass),
		)
	case f.cubeURL != "":
		querier, err = cube.NewHTTPClient(&cube.HTTPConfig{Logger: log, BaseURL: f.cubeURL, Secret: f.cubeSecret})
	default:
		return nil, errors.New("one of --cube-url or --clickhouse-addr is required")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create querier: %w", err)
	}

	client, err := llm.NewRetryingClient(&llm.RetryConfig{
		Logger: log,
		Client: llm.NewAnthropicClient(log, anthropic.Model(f.model), 4096),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create llm client: %w", err)
	}

	pipeline, err := chat.NewPipeline(&chat.PipelineConfig{
		Logger:      log,
		LLM:         client,
		Querier:     querier,
		Catalog:     cat,
		JoinTimeout: f.joinTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	return pipeline, nil
}

// interactive reads one question per line and keeps them in one
// conversation until EOF or "exit".
func interactive(ctx context.Context, in io.Reader, out io.Writer, asker Asker, f askFlags) error {
	conversationID := f.conversationID
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(os.Stderr, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		question := strings.TrimSpace(scanner.Text())
		switch question {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		id, err := ask(ctx, out, asker, conversationID, question, f.asJSON)
		if err != nil {
			return err
		}
		conversationID = id
		fmt.Fprintln(out)
	}
}

// Asker answers one question in a conversation.
type Asker interface {
	Ask(ctx context.Context, conversationID, message string) (*chat.Answer, error)
}

// ask prints one answer and returns the conversation id to continue with.
func ask(ctx context.Context, out io.Writer, asker Asker, conversationID, question string, asJSON bool) (string, error) {
	answer, err := asker.Ask(ctx, conversationID, question)
	if err != nil && !errors.Is(err, chat.ErrJoinTimeout) {
		return conversationID, fmt.Errorf("failed to answer question: %w", err)
	}
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(answer); err != nil {
			return answer.ConversationID, fmt.Errorf("failed to encode answer: %w", err)
		}
		return answer.ConversationID, nil
	}
	printAnswer(out, answer)
	return answer.ConversationID, nil
}
