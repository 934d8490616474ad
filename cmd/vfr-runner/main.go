// Command vfr-runner executes a declarative regression suite against a
// conversational contact-center deployment, or against the in-memory backend
// for suite development.
//
// Exit codes: 0 all selected cases passed, 1 at least one case failed its
// expectations, 2 the run itself could not complete.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/lambda"

	"github.com/tiger/voiceflow-regression/internal/config"
	"github.com/tiger/voiceflow-regression/internal/dispatch"
	"github.com/tiger/voiceflow-regression/internal/gateway"
	"github.com/tiger/voiceflow-regression/internal/gateway/awsgw"
	"github.com/tiger/voiceflow-regression/internal/lifecycle"
	"github.com/tiger/voiceflow-regression/internal/observability/telemetry"
	"github.com/tiger/voiceflow-regression/internal/retry"
	"github.com/tiger/voiceflow-regression/internal/runner"
	"github.com/tiger/voiceflow-regression/internal/speech"
	"github.com/tiger/voiceflow-regression/internal/verify"
)

const (
	exitPass  = 0
	exitFail  = 1
	exitError = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("vfr-runner", flag.ContinueOnError)
	fs.SetOutput(stderr)
	casesPath := fs.String("cases", "cases.json", "path to the suite file")
	filter := fs.String("filter", "", "comma-separated case-name fragments; overrides REGRESSION_TEST_FILTER")
	mode := fs.String("mode", "", "backend mode: mock or aws; overrides MOCK_AWS")
	reportPath := fs.String("report", "", "write a JSON report to this file, or report.json inside this directory")
	envFile := fs.String("env-file", "", "load environment from this file before reading variables")
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(stderr, "vfr-runner: %v\n", err)
		return exitError
	}
	switch *mode {
	case "":
	case string(config.ModeMock), string(config.ModeAWS):
		cfg.Mode = config.Mode(*mode)
	default:
		fmt.Fprintf(stderr, "vfr-runner: unknown mode %q\n", *mode)
		return exitError
	}
	if *filter != "" {
		cfg.Filter = *filter
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "vfr-runner: %v\n", err)
		return exitError
	}

	suiteFile, err := runner.Load(*casesPath)
	if err != nil {
		fmt.Fprintf(stderr, "vfr-runner: %v\n", err)
		return exitError
	}
	if err := runner.EnsureSelection(suiteFile.TestCases, cfg.FilterFragments()); err != nil {
		fmt.Fprintf(stderr, "vfr-runner: %v\n", err)
		return exitError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipeline := telemetry.NewPipeline(telemetry.NewStderrSink(), telemetry.Config{})
	defer pipeline.Close()

	r := buildRunner(cfg, suiteFile, pipeline)
	if cfg.Mode == config.ModeAWS && cfg.ProvisionStack {
		if err := provisionStack(ctx, cfg, r.Resources); err != nil {
			fmt.Fprintf(stderr, "vfr-runner: %v\n", err)
			return exitError
		}
	}
	summary := r.Run(ctx, suiteFile.TestCases)

	// Teardown gets a fresh context: an interrupt cancels the run, never
	// the cleanup of resources the run already created.
	releaseErrs := r.Resources.Release(context.Background())

	runner.WriteConsoleSummary(stdout, summary)
	if *reportPath != "" {
		if err := runner.WriteJSONReport(*reportPath, summary); err != nil {
			fmt.Fprintf(stderr, "vfr-runner: %v\n", err)
			return exitError
		}
	}
	for _, err := range releaseErrs {
		fmt.Fprintf(stderr, "vfr-runner: teardown warning: %v\n", err)
	}

	switch {
	case ctx.Err() != nil || summary.Errored > 0:
		return exitError
	case summary.Failed > 0:
		return exitFail
	default:
		return exitPass
	}
}

func buildRunner(cfg config.Config, suiteFile runner.SuiteFile, emitter telemetry.Emitter) *runner.Runner {
	dispatchPolicy := retry.DispatchBackoff(cfg.DispatchAttempts, cfg.DispatchDelay, emitter)
	verifyPolicy := retry.VerifyBackoff(cfg.VerifyBudget, cfg.VerifyInterval, emitter)

	var backend gateway.Backend
	var r *runner.Runner
	if cfg.Mode == config.ModeMock {
		backend = gateway.NewMock(runner.MockBehaviors(suiteFile.TestCases))
		dispatcher := dispatch.New(backend, dispatchPolicy, emitter)
		r = runner.New(backend, dispatcher, verify.New(backend, verifyPolicy, emitter), emitter)
	} else {
		aws := awsgw.New(awsgw.Config{
			ConnectRegion:         cfg.ConnectRegion,
			MediaRegion:           cfg.MediaRegion,
			ConnectInstanceID:     cfg.ConnectInstanceID,
			SipMediaApplicationID: cfg.SipMediaAppID,
			SourceNumber:          cfg.SourceNumber,
			ConversationTable:     cfg.ConversationTable,
			Environment:           cfg.Environment,
			BotID:                 cfg.BotID,
			BotAliasID:            cfg.BotAliasID,
			LocaleID:              cfg.LocaleID,
		})
		backend = aws
		dispatcher := dispatch.New(backend, dispatchPolicy, emitter)
		dispatcher.Renderer = speech.NewPollyRenderer(speech.Config{Region: cfg.MediaRegion})
		r = runner.New(backend, dispatcher, verify.New(backend, verifyPolicy, emitter), emitter)
		r.Hangup = aws.Hangup
		r.CleanupScript = aws.CleanupScript
	}

	r.Filter = cfg.FilterFragments()
	r.DefaultTarget = gateway.Target{
		Destination: "",
		BotID:       cfg.BotID,
		BotAliasID:  cfg.BotAliasID,
		LocaleID:    cfg.LocaleID,
		Region:      cfg.ConnectRegion,
	}
	return r
}

// provisionStack creates the conversation table, and the media handler
// function when configured, before the first case runs. Teardown is the
// manager's job so provisioned resources share the run's release path.
func provisionStack(ctx context.Context, cfg config.Config, resources *lifecycle.Manager) error {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ConnectRegion))
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	stack := []lifecycle.Resource{
		&lifecycle.TableResource{
			Client:    dynamodb.NewFromConfig(awsCfg),
			TableName: cfg.ConversationTable,
		},
	}
	if cfg.HandlerName != "" {
		zip, err := os.ReadFile(cfg.HandlerZipPath)
		if err != nil {
			return fmt.Errorf("read handler zip: %w", err)
		}
		stack = append(stack, &lifecycle.FunctionResource{
			Client:       lambda.NewFromConfig(awsCfg),
			FunctionName: cfg.HandlerName,
			Handler:      "handler.lambda_handler",
			RoleARN:      cfg.HandlerRoleARN,
			ZipBytes:     zip,
			Env: map[string]string{
				"DYNAMODB_TABLE_NAME": cfg.ConversationTable,
				"ENV_NAME":            cfg.Environment,
			},
		})
	}
	return resources.Acquire(ctx, stack...)
}
