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

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/analyst/agent/pkg/report"
	"github.com/malbeclabs/analyst/agent/pkg/workflow"
	"github.com/malbeclabs/analyst/agent/pkg/workflow/controller"
	"github.com/malbeclabs/analyst/agent/pkg/workflow/phases"
	"github.com/malbeclabs/analyst/utils/pkg/logger"
)

const llmMaxTokens = 4096

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	requestFlag := flag.String("request", "", "analysis request in natural language (read from stdin when empty)")
	modeFlag := flag.String("mode", string(controller.ModeFixed), "execution mode: fixed or dynamic")
	modelFlag := flag.String("model", string(anthropic.ModelClaudeHaiku4_5), "Anthropic model (or set ANTHROPIC_MODEL env var)")
	maxIterationsFlag := flag.Int("max-iterations", controller.DefaultMaxIterations, "maximum phase executions per run")
	reportDirFlag := flag.String("report-dir", "reports", "directory for generated HTML reports (or set REPORT_DIR env var)")

	// ClickHouse HTTP interface
	clickhouseURLFlag := flag.String("clickhouse-url", "http://localhost:8123", "ClickHouse HTTP URL (or set CLICKHOUSE_URL env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")

	flag.Parse()

	if envModel := os.Getenv("ANTHROPIC_MODEL"); envModel != "" && !flag.CommandLine.Changed("model") {
		*modelFlag = envModel
	}
	if envReportDir := os.Getenv("REPORT_DIR"); envReportDir != "" && !flag.CommandLine.Changed("report-dir") {
		*reportDirFlag = envReportDir
	}
	if envURL := os.Getenv("CLICKHOUSE_URL"); envURL != "" {
		*clickhouseURLFlag = envURL
	}
	if envDatabase := os.Getenv("CLICKHOUSE_DATABASE"); envDatabase != "" {
		*clickhouseDatabaseFlag = envDatabase
	}
	if envUsername := os.Getenv("CLICKHOUSE_USERNAME"); envUsername != "" {
		*clickhouseUsernameFlag = envUsername
	}
	if envPassword := os.Getenv("CLICKHOUSE_PASSWORD"); envPassword != "" {
		*clickhousePasswordFlag = envPassword
	}

	log := logger.New(*verboseFlag)

	mode, ok := controller.ParseMode(*modeFlag)
	if !ok {
		return fmt.Errorf("unknown mode %q", *modeFlag)
	}
	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		return errors.New("ANTHROPIC_API_KEY is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	input := bufio.NewReader(os.Stdin)
	request := strings.TrimSpace(*requestFlag)
	if request == "" {
		fmt.Print("Request: ")
		line, err := readLine(input)
		if err != nil {
			return fmt.Errorf("failed to read request: %w", err)
		}
		request = line
	}

	prompts, err := phases.LoadPrompts()
	if err != nil {
		return fmt.Errorf("failed to load prompts: %w", err)
	}
	reports, err := report.NewFileStore(*reportDirFlag)
	if err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	ch := workflow.NewClickHouseHTTP(*clickhouseURLFlag, *clickhouseDatabaseFlag, *clickhouseUsernameFlag, *clickhousePasswordFlag)
	model := anthropic.Model(*modelFlag)
	clock := clockwork.NewRealClock()

	registry, err := phases.NewRegistry(&phases.Config{
		Logger:        log,
		LLM:           workflow.NewAnthropicLLMClientWithName(model, llmMaxTokens, "phases"),
		Querier:       ch,
		SchemaFetcher: ch,
		Sampler:       ch,
		Prompts:       prompts,
		Reports:       reports,
		Clock:         clock,
	})
	if err != nil {
		return fmt.Errorf("failed to build phase registry: %w", err)
	}
	oracle, err := phases.NewLLMOracle(workflow.NewAnthropicLLMClientWithName(model, llmMaxTokens, "oracle"), prompts, clock)
	if err != nil {
		return fmt.Errorf("failed to create decision oracle: %w", err)
	}
	ctrl, err := controller.New(&controller.Config{
		Logger:        log,
		Registry:      registry,
		Oracle:        oracle,
		Clock:         clock,
		MaxIterations: *maxIterationsFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	log.Debug("starting analysis", "mode", mode, "model", model)
	r, err := ctrl.Start(ctx, request, mode, printEvent, nil)
	for err == nil && (r.Status == controller.StatusSuspendedForInput || r.Status == controller.StatusSuspended) {
		r, err = continueRun(ctx, ctrl, r, input)
	}
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("Run %s finished: %s after %d phases\n", r.ID, r.Status, r.IterationCount)
	if r.Abort != nil {
		return fmt.Errorf("run aborted (%s): %s", r.Abort.Kind, r.Abort.Detail)
	}
	if info := r.State.Get(workflow.KeyReportInfo); info != "" {
		fmt.Println(info)
	}
	return nil
}

// continueRun prompts for whatever the suspended run is waiting on.
func continueRun(ctx context.Context, ctrl *controller.Controller, r *controller.Run, input *bufio.Reader) (*controller.Run, error) {
	switch r.Status {
	case controller.StatusSuspendedForInput:
		fmt.Print("\nYour answer: ")
		answer, err := readLine(input)
		if err != nil {
			return r, fmt.Errorf("failed to read answer: %w", err)
		}
		if answer == "" {
			return r, errors.New("no answer given")
		}
		return ctrl.Resume(ctx, r, answer, printEvent, nil)
	default:
		fmt.Printf("\nProceed to %s? [y/N]: ", r.LastDecision.NextPhase)
		answer, err := readLine(input)
		if err != nil {
			return r, fmt.Errorf("failed to read confirmation: %w", err)
		}
		if !strings.EqualFold(answer, "y") && !strings.EqualFold(answer, "yes") {
			return r, errors.New("run stopped before confirmation")
		}
		return ctrl.Confirm(ctx, r, printEvent, nil)
	}
}

func printEvent(e workflow.Event) {
	fmt.Printf("[%s] %s\n", e.Author, e.Text)
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
