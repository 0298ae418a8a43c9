package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/PentesterFlow/qadocgen/internal/document"
	"github.com/PentesterFlow/qadocgen/internal/events"
	"github.com/PentesterFlow/qadocgen/internal/model"
	"github.com/PentesterFlow/qadocgen/internal/orchestrator"
	"github.com/PentesterFlow/qadocgen/internal/progress"
	"github.com/PentesterFlow/qadocgen/internal/store"
	"github.com/PentesterFlow/qadocgen/internal/websocket"
	"github.com/PentesterFlow/qadocgen/pkg/qadoc"
)

var (
	version = "1.0.0"

	// Global flags
	configFile string
	verbose    bool
	storeDir   string

	// Serve flags
	host    string
	port    int
	workers int

	// Run flags
	rateLimit   int
	outputDir   string
	formats     []string
	settleDelay int
	timeout     int

	// Auth flags
	authType   string
	username   string
	password   string
	tokenType  string
	tokenName  string
	tokenValue string

	// Export and watch flags
	exportFormat string
	exportOutput string
	serverURL    string

	// Analyze flags
	fromCache bool
	cachePath string
	asJSON    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "qadocgen",
		Short: "qadocgen - QA documentation generator",
		Long: `qadocgen renders web pages in a headless browser, classifies their
interactive elements and asks a generative model for structured test cases,
producing QA documentation as JSON, Markdown or YAML.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the REST API and worker pool",
		RunE:  runServe,
	}

	runCmd := &cobra.Command{
		Use:   "run [url...]",
		Short: "Process URLs synchronously and write the documents",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runRun,
	}

	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect stored jobs",
	}
	jobStatusCmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show a job's status",
		Args:  cobra.ExactArgs(1),
		RunE:  runJobStatus,
	}
	jobResultsCmd := &cobra.Command{
		Use:   "results [job-id]",
		Short: "List the documents produced by a job",
		Args:  cobra.ExactArgs(1),
		RunE:  runJobResults,
	}
	jobWatchCmd := &cobra.Command{
		Use:   "watch [job-id]",
		Short: "Follow a job's progress on a running server",
		Args:  cobra.ExactArgs(1),
		RunE:  runJobWatch,
	}

	docCmd := &cobra.Command{
		Use:   "doc",
		Short: "Work with generated documents",
	}
	docExportCmd := &cobra.Command{
		Use:   "export [doc-id]",
		Short: "Render a stored document",
		Args:  cobra.ExactArgs(1),
		RunE:  runDocExport,
	}

	analyzeCmd := &cobra.Command{
		Use:   "analyze [url]",
		Short: "Classify a page's elements without generating test cases",
		Args:  cobra.ExactArgs(1),
		RunE:  runAnalyze,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file (YAML or JSON)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	rootCmd.PersistentFlags().StringVar(&storeDir, "data-dir", "", "Directory for the bolt store, queue and caches")

	// Serve flags
	serveCmd.Flags().StringVar(&host, "host", "", "Listen host (default from API_HOST or 0.0.0.0)")
	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port (default from API_PORT or 8000)")
	serveCmd.Flags().IntVarP(&workers, "workers", "w", 0, "Number of job workers")

	// Run flags
	runCmd.Flags().IntVarP(&rateLimit, "rate-limit", "r", 0, "Requests per minute per domain")
	runCmd.Flags().StringVarP(&outputDir, "output-dir", "o", "qa-docs", "Directory for generated documents")
	runCmd.Flags().StringSliceVarP(&formats, "format", "f", []string{"json", "markdown"}, "Document formats to write")
	runCmd.Flags().IntVar(&settleDelay, "wait", -1, "Seconds to wait after load for dynamic content")
	runCmd.Flags().IntVarP(&timeout, "timeout", "t", 0, "Page load timeout in seconds")
	for _, cmd := range []*cobra.Command{runCmd, analyzeCmd} {
		cmd.Flags().StringVar(&authType, "auth-type", "", "Authentication type (basic, session_token)")
		cmd.Flags().StringVarP(&username, "username", "u", "", "Username for basic auth")
		cmd.Flags().StringVar(&password, "password", "", "Password for basic auth")
		cmd.Flags().StringVar(&tokenType, "token-type", model.TokenCookie, "Session token transport (cookie, bearer)")
		cmd.Flags().StringVar(&tokenName, "token-name", "", "Cookie or header name for the session token")
		cmd.Flags().StringVar(&tokenValue, "token-value", "", "Session token value")
	}

	// Watch flags
	jobWatchCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8000", "Base URL of the running server")

	// Export flags
	docExportCmd.Flags().StringVarP(&exportFormat, "format", "f", "markdown", "Output format (json, markdown, yaml)")
	docExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")

	// Analyze flags
	analyzeCmd.Flags().BoolVar(&fromCache, "from-cache", false, "Classify the cached snapshot instead of loading the page")
	analyzeCmd.Flags().StringVar(&cachePath, "cache", "", "Snapshot cache file")
	analyzeCmd.Flags().BoolVar(&asJSON, "json", false, "Print elements as JSON")

	jobCmd.AddCommand(jobStatusCmd, jobResultsCmd, jobWatchCmd)
	docCmd.AddCommand(docExportCmd)
	rootCmd.AddCommand(serveCmd, runCmd, jobCmd, docCmd, analyzeCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, then the environment, then global flags.
func loadConfig() (*qadoc.Config, error) {
	config := qadoc.DefaultConfig()
	if configFile != "" {
		fileConfig, err := qadoc.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		config = fileConfig
	}

	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if storeDir != "" {
		config.Store.Path = filepath.Join(storeDir, "qadocgen.db")
		config.Worker.QueuePath = filepath.Join(storeDir, "queue.db")
		config.Cache.Path = filepath.Join(storeDir, "snapshots.db")
	}
	if verbose {
		config.Log.Level = "debug"
	}
	return config, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func authFromFlags() *model.AuthConfig {
	switch authType {
	case "":
		return nil
	case model.AuthBasic:
		return &model.AuthConfig{AuthType: model.AuthBasic, Username: username, Password: password}
	default:
		return &model.AuthConfig{
			AuthType:   authType,
			TokenType:  tokenType,
			TokenName:  tokenName,
			TokenValue: tokenValue,
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("host") {
		config.API.Host = host
	}
	if cmd.Flags().Changed("port") {
		config.API.Port = port
	}
	if cmd.Flags().Changed("workers") {
		config.Worker.Count = workers
	}
	config.Log.Pretty = false

	ctx := context.Background()
	svc, err := qadoc.New(ctx, config)
	if err != nil {
		return err
	}
	defer svc.Close()

	return svc.Serve(ctx)
}

func runRun(cmd *cobra.Command, args []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("timeout") {
		config.Crawl.Timeout = time.Duration(timeout) * time.Second
	}
	if settleDelay >= 0 {
		config.Crawl.SettleDelay = time.Duration(settleDelay) * time.Second
	}

	var outFormats []document.Format
	for _, f := range formats {
		parsed, err := document.ParseFormat(f)
		if err != nil {
			return err
		}
		outFormats = append(outFormats, parsed)
	}

	ctx, cancel := signalContext()
	defer cancel()

	display := progress.New()
	svc, err := qadoc.New(ctx, config, qadoc.WithObserver(display))
	if err != nil {
		return err
	}
	defer svc.Close()

	fmt.Printf("Processing %d URLs...\n", len(args))
	start := time.Now()
	summary, err := svc.Run(ctx, qadoc.JobRequest{
		URLs:       args,
		AuthConfig: authFromFlags(),
		RateLimit:  rateLimit,
	})
	display.Stop()
	if err != nil {
		return err
	}

	written, err := writeDocuments(ctx, svc, summary, outFormats)
	if err != nil {
		return err
	}
	printSummary(summary, time.Since(start), written)

	switch summary.Status {
	case orchestrator.StatusFailed:
		return fmt.Errorf("job %s failed", summary.JobID)
	case orchestrator.StatusInterrupted:
		return fmt.Errorf("job %s interrupted; `qadocgen serve` resumes it", summary.JobID)
	}
	return nil
}

func writeDocuments(ctx context.Context, svc *qadoc.Service, summary *orchestrator.Summary, outFormats []document.Format) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	var written []string
	for _, out := range summary.Results {
		if out.DocID == "" {
			continue
		}
		for _, f := range outFormats {
			body, err := svc.Export(ctx, out.DocID, f)
			if err != nil {
				return written, fmt.Errorf("render %s: %w", out.DocID, err)
			}
			path := filepath.Join(outputDir, out.DocID+"."+f.Extension())
			if err := os.WriteFile(path, body, 0644); err != nil {
				return written, fmt.Errorf("write %s: %w", path, err)
			}
			written = append(written, path)
		}
	}
	return written, nil
}

func openStore(ctx context.Context) (store.Store, error) {
	config, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return store.Open(ctx, config.Store.Driver, config.Store.Path, config.Store.DSN)
}

func runJobStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	job, err := st.GetJob(ctx, args[0])
	if err != nil {
		return fmt.Errorf("job %s: %w", args[0], err)
	}

	fmt.Printf("Job:        %s\n", job.ID)
	fmt.Printf("Status:     %s\n", job.Status)
	fmt.Printf("URLs:       %d\n", len(job.URLs))
	fmt.Printf("Rate Limit: %d req/min\n", job.RateLimit)
	fmt.Printf("Created:    %s\n", job.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:    %s\n", job.UpdatedAt.Format(time.RFC3339))
	if job.Message != "" {
		fmt.Printf("Message:    %s\n", job.Message)
	}
	return nil
}

func runJobResults(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := st.GetJob(ctx, args[0]); err != nil {
		return fmt.Errorf("job %s: %w", args[0], err)
	}
	docs, err := st.ListDocuments(ctx, args[0])
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		fmt.Println("No documents.")
		return nil
	}

	for _, doc := range docs {
		title := "Unknown"
		if doc.Result.PageTitle != nil {
			title = *doc.Result.PageTitle
		}
		fmt.Printf("%s  %-40s  %3d elements  %3d test cases  %s\n",
			doc.ID, doc.Result.SourceURL, len(doc.Result.Elements), len(doc.Result.TestCases), title)
	}
	return nil
}

func runJobWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	url := serverURL + "/jobs/" + args[0] + "/events"
	return websocket.NewClient().Follow(ctx, url, func(e events.Event) error {
		ts := e.Timestamp.Local().Format("15:04:05")
		switch e.Type {
		case events.URLStarted:
			fmt.Printf("%s  [%d/%d] %s\n", ts, e.Index, e.Total, e.URL)
		case events.URLCompleted:
			fmt.Printf("%s  [%d/%d] done: %s\n", ts, e.Index, e.Total, e.Message)
		case events.URLFailed:
			fmt.Printf("%s  [%d/%d] failed: %s\n", ts, e.Index, e.Total, e.Message)
		case events.JobFinished:
			fmt.Printf("%s  job %s", ts, e.Status)
			if e.Message != "" {
				fmt.Printf(": %s", e.Message)
			}
			fmt.Println()
		default:
			fmt.Printf("%s  %s\n", ts, e.Type)
		}
		return nil
	})
}

func runDocExport(cmd *cobra.Command, args []string) error {
	format, err := document.ParseFormat(exportFormat)
	if err != nil {
		return err
	}

	ctx := context.Background()
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	doc, err := st.GetDocument(ctx, args[0])
	if err != nil {
		return fmt.Errorf("document %s: %w", args[0], err)
	}
	body, err := document.Render(format, &doc.Result)
	if err != nil {
		return err
	}

	if exportOutput == "" {
		_, err = os.Stdout.Write(body)
		return err
	}
	return os.WriteFile(exportOutput, body, 0644)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	// Extraction never calls the model.
	config.LLM.Provider = qadoc.ProviderMock
	config.Store.Driver = "memory"
	config.Worker.QueuePath = ""
	if cachePath != "" {
		config.Cache.Path = cachePath
	}

	ctx, cancel := signalContext()
	defer cancel()

	svc, err := qadoc.New(ctx, config)
	if err != nil {
		return err
	}
	defer svc.Close()

	title, elements, err := svc.Analyze(ctx, args[0], authFromFlags(), fromCache)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(elements)
	}

	fmt.Printf("Title:    %s\n", *title)
	fmt.Printf("Elements: %d\n\n", len(elements))
	counts := make(map[model.ElementKind]int)
	for _, el := range elements {
		counts[el.Kind]++
	}
	for _, kind := range model.AllKinds() {
		if counts[kind] > 0 {
			fmt.Printf("  %-18s %d\n", kind, counts[kind])
		}
	}
	fmt.Println()
	for _, el := range elements {
		text := ""
		if el.VisibleText != nil {
			text = *el.VisibleText
		}
		fmt.Printf("  %-18s %-40s %q\n", el.Kind, el.Selector, text)
	}
	return nil
}

func printSummary(summary *orchestrator.Summary, duration time.Duration, written []string) {
	fmt.Println()
	fmt.Println("Job Summary")
	fmt.Println("===========")
	fmt.Printf("Job:        %s\n", summary.JobID)
	fmt.Printf("Status:     %s\n", summary.Status)
	fmt.Printf("Duration:   %v\n", duration.Round(time.Second))
	fmt.Printf("Processed:  %d/%d URLs\n", summary.SuccessCount, summary.URLCount)
	if summary.Error != "" {
		fmt.Printf("Error:      %s\n", summary.Error)
	}
	fmt.Println()

	for _, out := range summary.Results {
		if out.Status == model.OutcomeCompleted {
			fmt.Printf("  [ok]     %s  %d elements, %d test cases\n", out.URL, out.ElementCount, out.TestCaseCount)
		} else {
			fmt.Printf("  [failed] %s  %s\n", out.URL, out.Error)
		}
	}

	if len(written) > 0 {
		fmt.Println()
		fmt.Printf("Documents written to %s:\n", outputDir)
		for _, path := range written {
			fmt.Printf("  %s\n", path)
		}
	}
	fmt.Println()
}
