package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/beflow/beflow/internal/config"
	"github.com/beflow/beflow/internal/log"
	"github.com/beflow/beflow/internal/supervisor"
	"github.com/beflow/beflow/pkg/client"
	"github.com/beflow/beflow/pkg/models"
)

// Exit codes surfaced by the coordinator commands.
const (
	exitOK          = 0
	exitUserError   = 2
	exitUnreachable = 3
	exitErrored     = 4
	exitCancelled   = 5
)

const defaultHost = "http://127.0.0.1:15323"

// SetupCLI attaches the coordinator commands to the root command.
func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.AddCommand(
		launchCmd(),
		submitCmd(),
		listCmd(),
		watchCmd(),
		retrieveCmd(),
		cancelCmd(),
		migrateCmd(),
	)
}

func launchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Launch the bespoke executor and its worker pools",
		Run: func(cmd *cobra.Command, args []string) {
			settingsFile, _ := cmd.Flags().GetString("config")
			settings, err := config.Load(settingsFile)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(exitUserError)
			}

			if cmd.Flags().Changed("directory") {
				settings.StoreURL, _ = cmd.Flags().GetString("directory")
			}
			if cmd.Flags().Changed("n-fragmenter-workers") {
				settings.NFragmenterWorkers, _ = cmd.Flags().GetInt("n-fragmenter-workers")
			}
			if cmd.Flags().Changed("n-optimizer-workers") {
				settings.NOptimizerWorkers, _ = cmd.Flags().GetInt("n-optimizer-workers")
			}
			if cmd.Flags().Changed("n-qc-compute-workers") {
				settings.NQCComputeWorkers, _ = cmd.Flags().GetInt("n-qc-compute-workers")
			}
			if cmd.Flags().Changed("qc-compute-n-cores") {
				settings.QCComputeNCores, _ = cmd.Flags().GetInt("qc-compute-n-cores")
			}
			if cmd.Flags().Changed("qc-compute-max-mem") {
				settings.QCComputeMaxMem, _ = cmd.Flags().GetFloat64("qc-compute-max-mem")
			}
			if cmd.Flags().Changed("bind") {
				settings.Bind, _ = cmd.Flags().GetString("bind")
			}
			if cmd.Flags().Changed("queue") {
				settings.QueueURL, _ = cmd.Flags().GetString("queue")
			}

			logger := log.GetLogger()
			sup := supervisor.New(settings, logger)
			if err := sup.Start(context.Background()); err != nil {
				logger.Errorf("Failed to start executor: %v", err)
				os.Exit(1)
			}

			signals := make(chan os.Signal, 1)
			signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
			<-signals

			ctx, cancel := context.WithTimeout(context.Background(), settings.ShutdownGrace+10*time.Second)
			defer cancel()
			if err := sup.Shutdown(ctx); err != nil {
				logger.Errorf("Shutdown failed: %v", err)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().String("directory", "./bespoke-state", "Directory (or URL) of the result store")
	cmd.Flags().Int("n-fragmenter-workers", 1, "Number of fragmentation workers to spawn")
	cmd.Flags().Int("n-optimizer-workers", 1, "Number of optimizer workers to spawn")
	cmd.Flags().Int("n-qc-compute-workers", 1, "Number of QC compute workers to spawn")
	cmd.Flags().Int("qc-compute-n-cores", 0, "Cores per QC worker (0 = all CPUs)")
	cmd.Flags().Float64("qc-compute-max-mem", 0, "Memory per core [GiB] for QC workers")
	cmd.Flags().String("bind", "127.0.0.1:15323", "Bind address of the HTTP API")
	cmd.Flags().String("queue", "embedded", "Task queue backend URL")
	cmd.Flags().String("config", "", "Optional YAML settings file")
	return cmd
}

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a molecule for bespoke parameterization",
		Run: func(cmd *cobra.Command, args []string) {
			host, _ := cmd.Flags().GetString("host")
			smiles, _ := cmd.Flags().GetString("smiles")
			file, _ := cmd.Flags().GetString("file")
			workflowName, _ := cmd.Flags().GetString("workflow")
			workflowFile, _ := cmd.Flags().GetString("workflow-file")

			workflow, err := buildWorkflow(smiles, file, workflowName, workflowFile)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(exitUserError)
			}

			c := client.New(host)
			submitted, err := c.Submit(cmd.Context(), []models.Workflow{*workflow})
			if err != nil {
				exitOnClientError(err)
			}
			for _, submission := range submitted {
				fmt.Fprintf(os.Stdout, "Submitted workflow as submission %d\n", submission.ID)
			}
		},
	}
	cmd.Flags().String("host", defaultHost, "Coordinator base URL")
	cmd.Flags().String("smiles", "", "SMILES of the molecule to parameterize")
	cmd.Flags().String("file", "", "Path to a molecule JSON file")
	cmd.Flags().String("workflow", "default", "Name of a built-in workflow")
	cmd.Flags().String("workflow-file", "", "Path to a workflow JSON file")
	return cmd
}

func listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List submissions",
		Run: func(cmd *cobra.Command, args []string) {
			host, _ := cmd.Flags().GetString("host")
			status, _ := cmd.Flags().GetString("status")

			c := client.New(host)
			submissions, err := c.List(cmd.Context(), status)
			if err != nil {
				exitOnClientError(err)
			}
			if len(submissions) == 0 {
				fmt.Fprintln(os.Stdout, "No submissions found.")
				return
			}
			for _, submission := range submissions {
				fmt.Fprintf(os.Stdout, "- ID: %d, Status: %s\n", submission.ID, submission.Status)
			}
		},
	}
	cmd.Flags().String("host", defaultHost, "Coordinator base URL")
	cmd.Flags().String("status", "", "Filter by status")
	return cmd
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch a submission until it finishes",
		Run: func(cmd *cobra.Command, args []string) {
			host, _ := cmd.Flags().GetString("host")
			id, _ := cmd.Flags().GetInt64("id")
			if id <= 0 {
				fmt.Fprintln(os.Stderr, "Error: --id is required")
				os.Exit(exitUserError)
			}

			c := client.New(host)
			submission, err := c.Watch(cmd.Context(), id, 2*time.Second)
			if err != nil {
				exitOnClientError(err)
			}
			fmt.Fprintf(os.Stdout, "Submission %d finished with status %s\n", submission.ID, submission.Status)
			os.Exit(exitForStatus(submission.Status))
		},
	}
	cmd.Flags().String("host", defaultHost, "Coordinator base URL")
	cmd.Flags().Int64("id", 0, "Submission id")
	return cmd
}

func retrieveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retrieve",
		Short: "Retrieve the result of a finished submission",
		Run: func(cmd *cobra.Command, args []string) {
			host, _ := cmd.Flags().GetString("host")
			id, _ := cmd.Flags().GetInt64("id")
			output, _ := cmd.Flags().GetString("output")
			forceFieldPath, _ := cmd.Flags().GetString("force-field")
			if id <= 0 || output == "" {
				fmt.Fprintln(os.Stderr, "Error: --id and --output are required")
				os.Exit(exitUserError)
			}

			c := client.New(host)
			submission, err := c.Get(cmd.Context(), id)
			if err != nil {
				exitOnClientError(err)
			}
			if submission.Status != models.SuccessSubmissionStatus {
				fmt.Fprintf(os.Stderr, "Submission %d has status %s\n", id, submission.Status)
				os.Exit(exitForStatus(submission.Status))
			}

			result, err := c.Result(cmd.Context(), id)
			if err != nil {
				exitOnClientError(err)
			}
			if err := os.WriteFile(output, result, 0o644); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Wrote result of submission %d to %s\n", id, output)

			if forceFieldPath != "" {
				var optimization models.OptimizationResult
				if err := json.Unmarshal(result, &optimization); err != nil {
					fmt.Fprintf(os.Stderr, "Error: result is not an optimization document: %v\n", err)
					os.Exit(1)
				}
				if err := os.WriteFile(forceFieldPath, []byte(optimization.RefitForceField), 0o644); err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}
				fmt.Fprintf(os.Stdout, "Wrote refit force field to %s\n", forceFieldPath)
			}
		},
	}
	cmd.Flags().String("host", defaultHost, "Coordinator base URL")
	cmd.Flags().Int64("id", 0, "Submission id")
	cmd.Flags().String("output", "", "Path to write the result document to")
	cmd.Flags().String("force-field", "", "Path to write the refit force field to")
	return cmd
}

func cancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a submission",
		Run: func(cmd *cobra.Command, args []string) {
			host, _ := cmd.Flags().GetString("host")
			id, _ := cmd.Flags().GetInt64("id")
			if id <= 0 {
				fmt.Fprintln(os.Stderr, "Error: --id is required")
				os.Exit(exitUserError)
			}

			c := client.New(host)
			if err := c.Cancel(cmd.Context(), id); err != nil {
				exitOnClientError(err)
			}
			fmt.Fprintf(os.Stdout, "Cancelled submission %d\n", id)
		},
	}
	cmd.Flags().String("host", defaultHost, "Coordinator base URL")
	cmd.Flags().Int64("id", 0, "Submission id")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the kv result-store schema to a Postgres backend",
		Run: func(cmd *cobra.Command, args []string) {
			settingsFile, _ := cmd.Flags().GetString("config")
			settings, err := config.Load(settingsFile)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(exitUserError)
			}

			// --db wins over the configured store URL.
			storeURL, _ := cmd.Flags().GetString("db")
			if storeURL == "" {
				storeURL = settings.StoreURL
			}
			if !strings.HasPrefix(storeURL, "postgres://") && !strings.HasPrefix(storeURL, "postgresql://") {
				fmt.Fprintf(os.Stderr,
					"Error: %q is not a Postgres store; the embedded and redis backends need no migrations\n", storeURL)
				os.Exit(exitUserError)
			}

			migrationsDir, _ := cmd.Flags().GetString("migrations")
			m, err := migrate.New("file://"+migrationsDir, storeURL)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to initialize migrations: %v\n", err)
				os.Exit(1)
			}
			if err := m.Up(); err != nil && err != migrate.ErrNoChange {
				fmt.Fprintf(os.Stderr, "Error: failed to apply migrations: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintln(os.Stdout, "Result-store schema is up to date")
		},
	}
	cmd.Flags().String("db", "", "Postgres store URL (defaults to the configured store URL)")
	cmd.Flags().String("migrations", "migrations", "Directory holding the kv schema migrations")
	cmd.Flags().String("config", "", "Optional YAML settings file")
	return cmd
}

// buildWorkflow assembles the workflow document from the flag combination.
func buildWorkflow(smiles, file, workflowName, workflowFile string) (*models.Workflow, error) {
	var workflow models.Workflow

	switch {
	case workflowFile != "":
		raw, err := os.ReadFile(workflowFile)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &workflow); err != nil {
			return nil, errors.Wrap(err, "parse workflow file")
		}
	case workflowName != "":
		builtin, err := builtinWorkflow(workflowName)
		if err != nil {
			return nil, err
		}
		workflow = *builtin
	default:
		return nil, errors.New("one of --workflow or --workflow-file is required")
	}

	switch {
	case smiles != "":
		workflow.SMILES = smiles
	case file != "":
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		var molecule struct {
			SMILES string `json:"smiles"`
		}
		if err := json.Unmarshal(raw, &molecule); err != nil {
			return nil, errors.Wrap(err, "parse molecule file")
		}
		workflow.SMILES = molecule.SMILES
	}

	if err := workflow.Validate(); err != nil {
		return nil, err
	}
	return &workflow, nil
}

// builtinWorkflow returns a named stock workflow.
func builtinWorkflow(name string) (*models.Workflow, error) {
	switch name {
	case "default", "torsion-drive":
		return &models.Workflow{
			Name:              name,
			InitialForceField: "openff-2.0.0.offxml",
			Fragmenter: models.FragmenterSpec{
				Scheme: "wbo",
			},
			QCSpec: models.QCSpec{
				Method:          "B3LYP-D3BJ",
				Basis:           "DZVP",
				Program:         "psi4",
				CalculationKind: "torsiondrive1d",
			},
			Optimizer: models.OptimizerSpec{
				Engine:        "forcebalance",
				MaxIterations: 10,
			},
			Targets: []models.TargetSpec{
				{Kind: "torsion-profile", Weight: 1.0},
			},
		}, nil
	}
	return nil, errors.Errorf("unknown workflow %q", name)
}

func exitOnClientError(err error) {
	var apiErr *client.APIError
	switch {
	case errors.Is(err, client.ErrUnreachable):
		fmt.Fprintf(os.Stderr, "Error: coordinator unreachable: %v\n", err)
		os.Exit(exitUnreachable)
	case errors.As(err, &apiErr):
		fmt.Fprintf(os.Stderr, "Error: %v\n", apiErr)
		if apiErr.StatusCode == 400 {
			os.Exit(exitUserError)
		}
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func exitForStatus(status models.SubmissionStatus) int {
	switch status {
	case models.SuccessSubmissionStatus:
		return exitOK
	case models.ErroredSubmissionStatus:
		return exitErrored
	case models.CancelledSubmissionStatus:
		return exitCancelled
	}
	return exitOK
}
