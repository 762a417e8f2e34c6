package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/metorial/sentinel-runner/internal/cli"
	"github.com/metorial/sentinel-runner/internal/models"
	"github.com/metorial/sentinel-runner/internal/orchestrator"
)

var (
	serverURL  string
	outputJSON bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "scriptctl",
	Short: "CLI for the script execution controller",
	Long: `scriptctl submits groovy and powershell scripts to collectors through the controller,
follows their progress and manages the cached snippet library.`,
	SilenceUsage: true,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check controller health",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := cli.NewClient(serverURL).Health(cmd.Context())
		if err != nil {
			return err
		}

		if outputJSON {
			return cli.FormatJSON(os.Stdout, data)
		}

		fmt.Printf("Status: %s\n", data["status"])
		fmt.Printf("Database: %s\n", data["database"])
		return nil
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit [script-file]",
	Short: "Submit a script for execution",
	Long:  "Submit a script read from a file, or from stdin when the file is \"-\".",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := requestFromFlags(cmd, args[0])
		if err != nil {
			return err
		}

		client := cli.NewClient(serverURL)
		id, err := client.Submit(cmd.Context(), req)
		if err != nil {
			return err
		}

		wait, _ := cmd.Flags().GetBool("wait")
		if !wait {
			if outputJSON {
				return cli.FormatJSON(os.Stdout, map[string]string{"requestId": id})
			}
			fmt.Println(id)
			return nil
		}

		timeout, _ := cmd.Flags().GetDuration("timeout")
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		return waitAndPrint(ctx, client, id)
	},
}

var pollCmd = &cobra.Command{
	Use:   "poll [request-id]",
	Short: "Poll an execution once",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := cli.NewClient(serverURL).Poll(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printExecution(res)
	},
}

var waitCmd = &cobra.Command{
	Use:   "wait [request-id]",
	Short: "Poll an execution until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return waitAndPrint(cmd.Context(), cli.NewClient(serverURL), args[0])
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [request-id]",
	Short: "Cancel an execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := cli.NewClient(serverURL).Cancel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printExecution(res)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded executions",
	RunE: func(cmd *cobra.Command, args []string) error {
		portalID, _ := cmd.Flags().GetString("portal")
		limit, _ := cmd.Flags().GetInt("limit")

		results, err := cli.NewClient(serverURL).History(cmd.Context(), portalID, limit)
		if err != nil {
			return err
		}

		if outputJSON {
			return cli.FormatJSON(os.Stdout, results)
		}
		return cli.FormatExecutionsTable(os.Stdout, results)
	},
}

var snippetsCmd = &cobra.Command{
	Use:   "snippets",
	Short: "Manage the snippet cache",
}

var listSnippetsCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the cached snippet catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := cli.NewClient(serverURL).Catalog(cmd.Context())
		if err != nil {
			return err
		}
		return printCatalog(cat)
	},
}

var refreshSnippetsCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Fetch the snippet catalog from a collector",
	RunE: func(cmd *cobra.Command, args []string) error {
		portalID, _ := cmd.Flags().GetString("portal")
		collectorID, _ := cmd.Flags().GetString("collector")
		prefetch, _ := cmd.Flags().GetBool("prefetch")

		cat, err := cli.NewClient(serverURL).RefreshCatalog(cmd.Context(), portalID, collectorID, prefetch)
		if err != nil {
			return err
		}
		return printCatalog(cat)
	},
}

var showSnippetCmd = &cobra.Command{
	Use:   "show [name] [version]",
	Short: "Print the source of a snippet",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		portalID, _ := cmd.Flags().GetString("portal")
		collectorID, _ := cmd.Flags().GetString("collector")

		src, err := cli.NewClient(serverURL).Source(cmd.Context(), args[0], args[1], portalID, collectorID)
		if err != nil {
			return err
		}

		if outputJSON {
			return cli.FormatJSON(os.Stdout, src)
		}
		return cli.FormatSource(os.Stdout, src)
	},
}

var clearSnippetsCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop the cached catalog and every cached source",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cli.NewClient(serverURL).ClearSnippets(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Snippet cache cleared")
		return nil
	},
}

func requestFromFlags(cmd *cobra.Command, path string) (models.ExecutionRequest, error) {
	var (
		body []byte
		err  error
	)
	if path == "-" {
		body, err = io.ReadAll(os.Stdin)
	} else {
		body, err = os.ReadFile(path)
	}
	if err != nil {
		return models.ExecutionRequest{}, fmt.Errorf("read script: %w", err)
	}

	flags := cmd.Flags()
	req := models.ExecutionRequest{ScriptBody: string(body)}
	req.RequestID, _ = flags.GetString("request-id")
	req.PortalID, _ = flags.GetString("portal")
	req.CollectorID, _ = flags.GetString("collector")
	req.Hostname, _ = flags.GetString("hostname")
	req.Wildvalue, _ = flags.GetString("wildvalue")
	req.DeviceID, _ = flags.GetInt64("device-id")
	req.DatasourceID, _ = flags.GetInt64("datasource-id")

	language, _ := flags.GetString("language")
	mode, _ := flags.GetString("mode")
	req.Language = models.Language(language)
	req.Mode = models.Mode(mode)

	return req, req.Validate()
}

func waitAndPrint(ctx context.Context, client *cli.Client, id string) error {
	res, err := client.Wait(ctx, id, orchestrator.PollInterval)
	if err != nil {
		return err
	}
	if err := printExecution(res); err != nil {
		return err
	}
	if res.Status != models.StatusComplete {
		return fmt.Errorf("execution %s finished with status %s", id, res.Status)
	}
	return nil
}

func printExecution(res models.ExecutionResult) error {
	if outputJSON {
		return cli.FormatJSON(os.Stdout, res)
	}
	return cli.FormatExecution(os.Stdout, res)
}

func printCatalog(cat cli.Catalog) error {
	if outputJSON {
		return cli.FormatJSON(os.Stdout, cat)
	}
	return cli.FormatCatalog(os.Stdout, cat)
}

func addTargetFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("portal", "p", "", "portal id")
	cmd.Flags().StringP("collector", "C", "", "collector id")
}

func init() {
	defaultServerURL := os.Getenv("CONTROLLER_URL")
	if defaultServerURL == "" {
		defaultServerURL = "http://localhost:8080"
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", defaultServerURL, "Controller server URL")
	rootCmd.PersistentFlags().BoolVarP(&outputJSON, "json", "j", false, "Output in JSON format")

	addTargetFlags(submitCmd)
	submitCmd.Flags().StringP("language", "l", string(models.LanguageGroovy), "script language (groovy, powershell)")
	submitCmd.Flags().StringP("mode", "m", string(models.ModeFreeform), "execution mode (ad, collection, batchcollection, freeform)")
	submitCmd.Flags().String("request-id", "", "request id (generated when empty)")
	submitCmd.Flags().String("hostname", "", "device hostname exposed to the script")
	submitCmd.Flags().String("wildvalue", "", "instance wildvalue exposed to the script")
	submitCmd.Flags().Int64("device-id", 0, "device id exposed to the script")
	submitCmd.Flags().Int64("datasource-id", 0, "datasource id exposed to the script")
	submitCmd.Flags().BoolP("wait", "w", false, "wait for the execution to finish")
	submitCmd.Flags().Duration("timeout", 3*time.Minute, "give up waiting after this long")

	historyCmd.Flags().StringP("portal", "p", "", "only executions for this portal")
	historyCmd.Flags().IntP("limit", "n", 50, "number of executions to list (max: 1000)")

	addTargetFlags(refreshSnippetsCmd)
	refreshSnippetsCmd.Flags().Bool("prefetch", false, "also fetch every snippet source")
	refreshSnippetsCmd.MarkFlagRequired("portal")
	refreshSnippetsCmd.MarkFlagRequired("collector")

	addTargetFlags(showSnippetCmd)

	snippetsCmd.AddCommand(listSnippetsCmd)
	snippetsCmd.AddCommand(refreshSnippetsCmd)
	snippetsCmd.AddCommand(showSnippetCmd)
	snippetsCmd.AddCommand(clearSnippetsCmd)

	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(pollCmd)
	rootCmd.AddCommand(waitCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(snippetsCmd)
}
