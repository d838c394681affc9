package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ashfaqmehmood/ref-tools-keygen/api/schemas"
	"github.com/ashfaqmehmood/ref-tools-keygen/internal/observability"
	"github.com/ashfaqmehmood/ref-tools-keygen/internal/service"
)

// Replaceable in tests so the command plumbing is exercisable without a
// browser or network.
var (
	componentFactory = service.NewComponentFactory()
	runWorkflow      = func(ctx context.Context, components *service.Components) (schemas.Result, error) {
		return components.Orchestrator.Run(ctx)
	}
)

// runReport is the machine-readable shape of a finished run.
type runReport struct {
	Email    string         `json:"email,omitempty"`
	Password string         `json:"password,omitempty"`
	APIKey   string         `json:"api_key,omitempty"`
	Stage    schemas.Stage  `json:"stage"`
	Failure  *failureReport `json:"failure,omitempty"`
}

type failureReport struct {
	Stage     schemas.Stage       `json:"stage"`
	Kind      schemas.FailureKind `json:"kind"`
	Message   string              `json:"message"`
	Transient bool                `json:"transient"`
}

// newGenerateCmd creates the command that performs one acquisition run.
func newGenerateCmd() *cobra.Command {
	var (
		useProxy        bool
		debug           bool
		jsonOutput      bool
		outputPath      string
		signupURL       string
		pollInterval    time.Duration
		maxPollAttempts int
		overallTimeout  time.Duration
	)

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Runs one credential acquisition against the target service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}

			// Flags override file and environment values, but only when
			// actually set on the command line.
			flags := cmd.Flags()
			if flags.Changed("use-proxy") {
				cfg.Workflow.UseProxy = useProxy
			}
			if flags.Changed("debug") {
				cfg.Workflow.Debug = debug
			}
			if flags.Changed("signup-url") {
				cfg.Target.SignupURL = signupURL
			}
			if flags.Changed("poll-interval") {
				cfg.Workflow.PollInterval = pollInterval
			}
			if flags.Changed("max-poll-attempts") {
				cfg.Workflow.MaxPollAttempts = maxPollAttempts
			}
			if flags.Changed("timeout") {
				cfg.Workflow.OverallTimeout = overallTimeout
			}

			components, err := componentFactory.Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize workflow components: %w", err)
			}
			defer components.Shutdown()

			result, runErr := runWorkflow(ctx, components)

			report := buildReport(result, runErr)
			if err := writeReport(cmd, report, jsonOutput, outputPath); err != nil {
				return err
			}

			if runErr != nil {
				if ctx.Err() != nil {
					logger.Warn("Run aborted by signal")
					return fmt.Errorf("run aborted by user signal")
				}
				return runErr
			}
			return nil
		},
	}

	generateCmd.Flags().BoolVar(&useProxy, "use-proxy", false, "Route browser traffic through rotating public proxies. (Overrides config/env)")
	generateCmd.Flags().BoolVar(&debug, "debug", false, "Run headed and keep debug artifacts. (Overrides config/env)")
	generateCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the result as JSON instead of text.")
	generateCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Also write the JSON result to this file.")
	generateCmd.Flags().StringVar(&signupURL, "signup-url", "", "Signup page URL of the target service. (Overrides config/env)")
	generateCmd.Flags().DurationVar(&pollInterval, "poll-interval", 0, "Delay between inbox polls. (Overrides config/env)")
	generateCmd.Flags().IntVar(&maxPollAttempts, "max-poll-attempts", 0, "Inbox poll attempts before giving up. (Overrides config/env)")
	generateCmd.Flags().DurationVar(&overallTimeout, "timeout", 0, "Deadline for the whole run. (Overrides config/env)")

	return generateCmd
}

// buildReport folds the run outcome into one report. A failed run still
// carries whatever identity was created, so the account can be cleaned
// up or retried by hand.
func buildReport(result schemas.Result, runErr error) runReport {
	report := runReport{
		Email:    result.Email,
		Password: result.Password,
		APIKey:   result.APIKey,
		Stage:    result.Stage,
	}

	var failure *schemas.Failure
	if errors.As(runErr, &failure) {
		report.Failure = &failureReport{
			Stage:     failure.Stage,
			Kind:      failure.Kind,
			Message:   failure.Message,
			Transient: failure.Kind.Transient(),
		}
	} else if runErr != nil {
		report.Failure = &failureReport{
			Stage:   result.Stage,
			Kind:    schemas.KindAutomationError,
			Message: runErr.Error(),
		}
	}
	return report
}

// writeReport renders the report to the command output and, when asked,
// to a file.
func writeReport(cmd *cobra.Command, report runReport, jsonOutput bool, outputPath string) error {
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	if jsonOutput {
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
	} else {
		printHuman(cmd, report)
	}

	if outputPath != "" {
		// Credentials on disk stay owner-readable only.
		if err := os.WriteFile(outputPath, append(data, '\n'), 0o600); err != nil {
			return fmt.Errorf("failed to write result file: %w", err)
		}
		observability.GetLogger().Info("Result written", zap.String("path", outputPath))
	}
	return nil
}

func printHuman(cmd *cobra.Command, report runReport) {
	out := cmd.OutOrStdout()

	if report.Failure != nil {
		fmt.Fprintf(out, "\nRun failed at stage %s: %s (%s)\n",
			report.Failure.Stage, report.Failure.Message, report.Failure.Kind)
		if report.Failure.Transient {
			fmt.Fprintln(out, "The failure looks transient; running again may succeed.")
		}
		if report.Email != "" {
			fmt.Fprintf(out, "\nPartial identity for cleanup:\n  Email:    %s\n  Password: %s\n",
				report.Email, report.Password)
		}
		return
	}

	fmt.Fprintf(out, "\nAccount confirmed.\n\n  Email:    %s\n  Password: %s\n  API key:  %s\n",
		report.Email, report.Password, report.APIKey)
}
