package main

import (
	"context"
	"fmt"
	u "net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fetchkit/fetchkit"
	"github.com/fetchkit/fetchkit/errs"
	"github.com/fetchkit/fetchkit/internal/listfile"
	"github.com/fetchkit/fetchkit/internal/output"
)

var (
	outPath        string
	connections    int
	segmentSize    int64
	maxAttempts    int
	connectTimeout time.Duration
	idleTimeout    time.Duration
	userAgent      string
	proxyURL       string
	proxyUsername  string
	proxyPassword  string
	headers        []string
	urlListFile    string
	numLinks       int
	speedLimit     int64
	expectedDigest string
	digestAlgo     string
	overwrite      bool
	skipExisting   bool
	insecure       bool
	cleanStaging   bool
	debug          bool
)

var FetchkitVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "fetchkit",
	Short:   "Fetchkit is a resumable multipart download manager",
	Version: FetchkitVersion,
	Args:    cobra.ArbitraryArgs,
	Run: func(cmd *cobra.Command, args []string) {
		output.InitLogger(debug)
		mgr := fetchkit.NewManager(managerOptions())
		if cleanStaging {
			if outPath == "" {
				output.PrintError("--clean needs an output path")
				os.Exit(1)
			}
			if err := mgr.Clean(outPath); err != nil {
				output.PrintError("Error cleaning up staging files")
				os.Exit(1)
			}
			output.PrintSuccess("Staging files cleaned up")
			return
		}
		if len(args) == 0 && urlListFile == "" {
			output.PrintError("No URL or URL list provided")
			os.Exit(1)
		}
		if urlListFile != "" && len(args) > 0 {
			output.PrintError("Cannot specify url argument and --urllist together, choose one")
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if len(args) > 0 {
			url := args[0]
			if _, err := u.Parse(url); err != nil {
				output.PrintError("Invalid URL format")
				os.Exit(1)
			}
			dest := outPath
			if dest == "" {
				dest = inferOutputPath(url)
			}
			if err := downloadOne(ctx, mgr, url, dest, true); err != nil {
				fmt.Println()
				output.PrintError("Download failed: " + err.Error())
				os.Exit(1)
			}
			return
		}

		entries, err := listfile.Read(urlListFile)
		if err != nil {
			output.PrintError("Failed to read URL list file")
			os.Exit(1)
		}
		if err := downloadBatch(ctx, mgr, entries); err != nil {
			fmt.Println()
			output.PrintError("Encountered failed operation(s)")
			os.Exit(1)
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func managerOptions() fetchkit.Options {
	return fetchkit.Options{
		MaxParallelism:  connections,
		SegmentSize:     segmentSize,
		MaxAttempts:     maxAttempts,
		ConnectTimeout:  connectTimeout,
		IdleTimeout:     idleTimeout,
		UserAgent:       userAgent,
		Headers:         parseHeaderArgs(headers),
		ProxyURL:        proxyURL,
		ProxyUsername:   proxyUsername,
		ProxyPassword:   proxyPassword,
		TLSSkipVerify:   insecure,
		SpeedLimit:      speedLimit,
		DigestAlgorithm: digestAlgo,
		ExpectedDigest:  expectedDigest,
		Overwrite:       overwrite,
		SkipExisting:    skipExisting,
	}
}

func downloadOne(ctx context.Context, mgr *fetchkit.Manager, url, dest string, showProgress bool) error {
	req := fetchkit.Request{URL: url, OutputPath: dest}
	if showProgress {
		req.Options.ProgressFunc = func(p fetchkit.Progress) {
			if p.State != fetchkit.StateDownloading {
				return
			}
			line := output.ProgressLine(p.Downloaded, p.Total, p.Speed, p.ETA)
			fmt.Printf("\r%-*s", output.TerminalWidth()-1, line)
		}
	}
	job, err := mgr.Start(ctx, req)
	if err != nil {
		return err
	}
	err = job.Wait()
	if showProgress {
		fmt.Println()
	}
	if err != nil {
		if errs.IsKind(err, errs.KindCancelled) {
			output.PrintWarning("Cancelled, staging kept for resume: " + dest)
		}
		return err
	}
	output.PrintSuccess(output.StyleSymbols["pass"] + " " + dest)
	return nil
}

func downloadBatch(ctx context.Context, mgr *fetchkit.Manager, entries []listfile.Entry) error {
	sem := make(chan struct{}, max(numLinks, 1))
	results := make(chan error, len(entries))
	for _, entry := range entries {
		sem <- struct{}{}
		go func(e listfile.Entry) {
			defer func() { <-sem }()
			err := downloadOne(ctx, mgr, e.URL, e.OutputPath, false)
			if err != nil {
				output.PrintError(output.StyleSymbols["fail"] + " " + e.OutputPath + ": " + err.Error())
			}
			results <- err
		}(entry)
	}
	var failed bool
	for range entries {
		if err := <-results; err != nil {
			failed = true
		}
	}
	if failed {
		return fmt.Errorf("batch had failures")
	}
	return nil
}

// parseHeaderArgs splits repeated "Name: value" flags into a header map.
func parseHeaderArgs(args []string) map[string]string {
	parsed := make(map[string]string)
	for _, h := range args {
		name, value, found := strings.Cut(h, ":")
		if !found {
			continue
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if name != "" {
			parsed[name] = value
		}
	}
	return parsed
}

// inferOutputPath derives a file name from the URL path, falling back
// to "download" for bare hosts.
func inferOutputPath(url string) string {
	parsed, err := u.Parse(url)
	if err != nil || parsed.Path == "" || parsed.Path == "/" {
		return "download"
	}
	parts := strings.Split(strings.TrimRight(parsed.Path, "/"), "/")
	name := parts[len(parts)-1]
	if name == "" {
		return "download"
	}
	return name
}

func init() {
	rootCmd.Flags().StringVarP(&outPath, "output", "o", "", "Output file path (fetchkit infers file name if not provided)")
	rootCmd.Flags().StringVarP(&urlListFile, "urllist", "l", "", "Path to YAML file containing URLs and output paths")
	rootCmd.Flags().IntVarP(&numLinks, "workers", "w", 1, "Number of links to download in parallel")
	rootCmd.Flags().IntVarP(&connections, "connections", "c", 8, "Number of parallel segment connections per download")
	rootCmd.Flags().Int64Var(&segmentSize, "segment-size", 0, "Target bytes per segment (default 8 MiB)")
	rootCmd.Flags().IntVar(&maxAttempts, "max-attempts", 5, "Transfer attempts per segment before the download fails")
	rootCmd.Flags().DurationVarP(&connectTimeout, "timeout", "t", 10*time.Second, "Connection timeout (eg. 5s, 10m)")
	rootCmd.Flags().DurationVarP(&idleTimeout, "idle-timeout", "k", 30*time.Second, "Stalled read timeout (eg. 10s, 1m)")
	rootCmd.Flags().StringVarP(&userAgent, "user-agent", "a", "", "User agent")
	rootCmd.Flags().StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	rootCmd.Flags().StringVar(&proxyUsername, "proxy-username", "", "Proxy username (if not provided in proxy URL)")
	rootCmd.Flags().StringVar(&proxyPassword, "proxy-password", "", "Proxy password (if not provided in proxy URL)")
	rootCmd.Flags().StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
	rootCmd.Flags().Int64Var(&speedLimit, "speed-limit", 0, "Aggregate bandwidth cap in bytes per second (0 = unlimited)")
	rootCmd.Flags().StringVar(&expectedDigest, "expected-digest", "", "Expected hex digest of the final file")
	rootCmd.Flags().StringVar(&digestAlgo, "algorithm", "sha256", "Digest algorithm for --expected-digest (md5, sha1, sha256, sha512)")

	// flags without shorthand
	rootCmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace the destination file if it exists")
	rootCmd.Flags().BoolVar(&skipExisting, "skip-existing", false, "Treat an existing destination file as already done")
	rootCmd.Flags().BoolVar(&insecure, "insecure", false, "Skip TLS certificate verification")
	rootCmd.Flags().BoolVar(&cleanStaging, "clean", false, "Clean up staging files for provided output path")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
}
