package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"compile-sandbox/internal/api"
	"compile-sandbox/internal/job"
)

var (
	jobID        string
	callbackURL  string
	wait         bool
	waitTimeout  time.Duration
	limit        int
	maxRedeliver int
	fromArchive  bool
	archiveJobID string
	archiveSince string
)

func main() {
	v := viper.New()

	root := &cobra.Command{
		Use:           "compile-cli",
		Short:         "Client for the compile sandbox service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadSettings(v)
		},
	}

	root.PersistentFlags().String("server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().String("api-key", "", "API key")
	_ = v.BindPFlag("server", root.PersistentFlags().Lookup("server"))
	_ = v.BindPFlag("api_key", root.PersistentFlags().Lookup("api-key"))

	client := func() *Client {
		return NewClient(v.GetString("server"), v.GetString("api_key"))
	}

	submitCmd := &cobra.Command{
		Use:   "submit [code]",
		Short: "Submit Java source (reads stdin when no argument is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var code string
			if len(args) > 0 {
				code = args[0]
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("reading stdin: %w", err)
				}
				code = string(data)
			}
			return submit(cmd, client(), code)
		},
	}
	addSubmitFlags(submitCmd)
	root.AddCommand(submitCmd)

	submitFileCmd := &cobra.Command{
		Use:   "submit-file <Main.java>",
		Short: "Submit Java source from a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			return submit(cmd, client(), string(data))
		},
	}
	addSubmitFlags(submitFileCmd)
	root.AddCommand(submitFileCmd)

	resultCmd := &cobra.Command{
		Use:   "result <jobId>",
		Short: "Show a job's status and output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			if wait {
				res, err := c.Wait(cmd.Context(), args[0], waitTimeout)
				if err != nil {
					return err
				}
				return printResult(cmd, res)
			}
			res, err := c.Result(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printResult(cmd, res)
		},
	}
	resultCmd.Flags().BoolVar(&wait, "wait", false, "Poll until the job reaches SUCCESS or FAIL")
	resultCmd.Flags().DurationVar(&waitTimeout, "wait-timeout", 2*time.Minute, "Give up waiting after this long")
	root.AddCommand(resultCmd)

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp api.HealthResponse
			if err := client().get(cmd.Context(), "/health", &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	})

	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "List dead-lettered jobs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := client()
			if fromArchive {
				resp, err := c.ArchivedDeadLetters(cmd.Context(), limit, archiveJobID, archiveSince)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), resp)
			}
			resp, err := c.DeadLetters(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	dlqCmd.Flags().IntVar(&limit, "limit", 20, "Maximum entries to show")
	dlqCmd.Flags().BoolVar(&fromArchive, "archive", false, "Read the durable archive instead of the live list")
	dlqCmd.Flags().StringVar(&archiveJobID, "job", "", "Only archived entries for this job id (with --archive)")
	dlqCmd.Flags().StringVar(&archiveSince, "since", "", "Only archived entries failed at or after this RFC 3339 time (with --archive)")
	root.AddCommand(dlqCmd)

	root.AddCommand(&cobra.Command{
		Use:   "processing",
		Short: "List claimed jobs that have not been acknowledged",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp api.ProcessingResponse
			if err := client().get(cmd.Context(), "/api/admin/processing", &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "requeue <jobId>",
		Short: "Move a stuck job from the processing ledger back to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.RequeueResponse
			if err := client().post(cmd.Context(), "/api/admin/processing/"+args[0]+"/requeue", nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	})

	redeliverCmd := &cobra.Command{
		Use:   "redeliver",
		Short: "Retry parked callback deliveries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp api.RedeliverResponse
			if err := client().post(cmd.Context(), fmt.Sprintf("/api/admin/callbacks/redeliver?max=%d", maxRedeliver), nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	redeliverCmd.Flags().IntVar(&maxRedeliver, "max", 100, "Maximum deliveries to attempt")
	root.AddCommand(redeliverCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == 401 {
			fmt.Fprintln(os.Stderr, "hint: pass --api-key or set COMPILE_API_KEY")
		}
		os.Exit(1)
	}
}

// loadSettings layers flags over COMPILE_* variables over ~/.compile-cli.yaml.
func loadSettings(v *viper.Viper) error {
	v.SetConfigName(".compile-cli")
	v.SetConfigType("yaml")
	v.AddConfigPath("$HOME")
	v.SetEnvPrefix("COMPILE")
	_ = v.BindEnv("server")
	_ = v.BindEnv("api_key")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("reading CLI config: %w", err)
		}
	}
	return nil
}

func addSubmitFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&jobID, "job-id", "", "Job id (defaults to a random UUID)")
	cmd.Flags().StringVar(&callbackURL, "callback", "", "URL to POST the result to")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the result after submitting")
	cmd.Flags().DurationVar(&waitTimeout, "wait-timeout", 2*time.Minute, "Give up waiting after this long")
}

func submit(cmd *cobra.Command, c *Client, code string) error {
	id := jobID
	if id == "" {
		id = uuid.NewString()
	}

	req := api.RunRequest{JobID: id, Code: code, CallbackURL: callbackURL}
	if err := req.Validate(); err != nil {
		return err
	}

	resp, err := c.Submit(cmd.Context(), req)
	if err != nil {
		return err
	}
	if !wait {
		return printJSON(cmd.OutOrStdout(), resp)
	}

	res, err := c.Wait(cmd.Context(), resp.JobID, waitTimeout)
	if err != nil {
		return err
	}
	return printResult(cmd, res)
}

// printResult prints the output and sets a non-zero exit for FAIL.
func printResult(cmd *cobra.Command, res api.ResultResponse) error {
	if err := printJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if res.Status == job.StatusFail {
		os.Exit(2)
	}
	return nil
}
