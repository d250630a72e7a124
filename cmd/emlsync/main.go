package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/pepperpark/emlsync/internal/ledger"
	"github.com/pepperpark/emlsync/internal/mboxconv"
	"github.com/pepperpark/emlsync/internal/report"
	"github.com/pepperpark/emlsync/internal/scan"
	"github.com/pepperpark/emlsync/internal/session"
	"github.com/pepperpark/emlsync/internal/uploader"
)

var (
	// Set via -ldflags at build time.
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	rootCmd := &cobra.Command{
		Use:   "emlsync",
		Short: "Emlsync - upload .eml archives to IMAP and related utilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			// default to help
			return cmd.Help()
		},
	}

	var showVersion bool
	var verbose bool
	rootCmd.PersistentFlags().BoolVarP(&showVersion, "version", "v", false, "Print version and exit")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if verbose {
			logger.SetLevel(logrus.DebugLevel)
		}
		if showVersion {
			fmt.Printf("emlsync %s", version)
			if commit != "" {
				fmt.Printf(" (%s)", commit)
			}
			if date != "" {
				fmt.Printf(" built %s", date)
			}
			fmt.Println()
			os.Exit(0)
		}
	}

	rootCmd.AddCommand(newUploadCmd(logger), newConvertCmd(logger), newCheckCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// upload command options
type uploadOptions struct {
	provider       string
	email          string
	username       string
	password       string
	passwordPrompt bool
	server         string
	port           int

	directory   string
	parentLabel string
	logPath     string
	resume      bool
	insecure    bool
	timeout     time.Duration
	tui         bool
}

func newUploadCmd(logger *logrus.Logger) *cobra.Command {
	o := &uploadOptions{}
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload a directory tree of .eml files, recreating it as IMAP folders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(o, logger)
		},
	}
	cmd.SilenceUsage = true
	cmd.Flags().StringVar(&o.provider, "imap-provider", "", "IMAP provider: gmail or custom")
	cmd.Flags().StringVar(&o.email, "email", "", "Email address (gmail provider)")
	cmd.Flags().StringVar(&o.username, "username", "", "Login username (custom provider)")
	cmd.Flags().StringVar(&o.password, "password", "", "Account or app password")
	cmd.Flags().BoolVar(&o.passwordPrompt, "password-prompt", false, "Prompt for the password (no echo)")
	cmd.Flags().StringVar(&o.server, "server", "", "IMAP server hostname (custom provider)")
	cmd.Flags().IntVar(&o.port, "port", 0, "IMAP server port (custom provider)")
	cmd.Flags().StringVar(&o.directory, "directory", "", "Directory containing .eml files")
	cmd.Flags().StringVar(&o.parentLabel, "parent-label", "ARCH-IMPORT", "Top-level folder all uploads are filed under")
	cmd.Flags().StringVar(&o.logPath, "log", "upload.log", "Path to the upload ledger")
	cmd.Flags().BoolVar(&o.resume, "resume", false, "Resume a previous run using the ledger")
	cmd.Flags().BoolVar(&o.insecure, "insecure", false, "Skip TLS verification")
	cmd.Flags().DurationVar(&o.timeout, "timeout", session.DefaultTimeout, "Network operation timeout")
	cmd.Flags().BoolVar(&o.tui, "tui", false, "Show an interactive progress UI instead of per-item lines")
	return cmd
}

func (o *uploadOptions) validate() error {
	switch o.provider {
	case session.ProviderGmail:
		if o.email == "" {
			return fmt.Errorf("--email is required for the gmail provider")
		}
	case session.ProviderCustom:
		missing := []string{}
		if o.server == "" {
			missing = append(missing, "--server")
		}
		if o.port == 0 {
			missing = append(missing, "--port")
		}
		if o.username == "" {
			missing = append(missing, "--username")
		}
		if len(missing) > 0 {
			return fmt.Errorf("required for the custom provider: %v", missing)
		}
	default:
		return fmt.Errorf("--imap-provider must be gmail or custom")
	}
	if o.password == "" && !o.passwordPrompt {
		return fmt.Errorf("--password is required (or use --password-prompt)")
	}
	if o.directory == "" {
		return fmt.Errorf("--directory is required")
	}
	return nil
}

func runUpload(o *uploadOptions, logger *logrus.Logger) error {
	if err := o.validate(); err != nil {
		return err
	}
	if o.passwordPrompt && o.password == "" {
		fmt.Fprint(os.Stderr, "Password: ")
		b, perr := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if perr != nil {
			return fmt.Errorf("read password: %w", perr)
		}
		o.password = string(b)
	}

	info, err := os.Stat(o.directory)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("source directory %q does not exist or is not a directory", o.directory)
	}

	uploaded := map[string]struct{}{}
	if o.resume {
		if uploaded, err = ledger.LoadSuccesses(o.logPath); err != nil {
			return err
		}
	}
	led, err := ledger.Open(o.logPath, o.resume)
	if err != nil {
		return err
	}
	defer led.Close()

	user := o.email
	if o.provider == session.ProviderCustom {
		user = o.username
	}
	sess := session.New(session.Config{
		Provider:    o.provider,
		Server:      o.server,
		Port:        o.port,
		Username:    user,
		Password:    o.password,
		InsecureTLS: o.insecure,
		Timeout:     o.timeout,
	}, logger.WithField("component", "session"))
	if err := sess.Connect(); err != nil {
		return err
	}
	defer sess.Logout()

	delim := sess.Delimiter()
	fmt.Printf("Using hierarchy delimiter: %q\n", delim)

	items, labels, err := scan.Collect(o.directory, o.parentLabel, delim, uploaded, logger.WithField("component", "scan"))
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("No new emails to upload.")
		return nil
	}

	up := uploader.New(sess, led, logger.WithField("component", "uploader"), uploader.Options{
		Backoff: sess.Backoff(),
		Quiet:   o.tui,
	})
	up.ProvisionLabels(labels, delim)

	var sum uploader.Summary
	if o.tui {
		type result struct {
			sum uploader.Summary
			err error
		}
		done := make(chan result, 1)
		go func() {
			s, rerr := up.Run(items)
			done <- result{s, rerr}
		}()
		runUploadTUI(len(items), up.Events())
		res := <-done
		sum, err = res.sum, res.err
	} else {
		sum, err = up.Run(items)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Done: %d uploaded, %d failed.\n", sum.Uploaded, sum.Failed)
	return nil
}

func newConvertCmd(logger *logrus.Logger) *cobra.Command {
	var (
		outDir     string
		priority   string
		labelsFile string
		listOnly   bool
	)
	cmd := &cobra.Command{
		Use:   "convert MBOX",
		Short: "Split an mbox archive into .eml files grouped by Gmail label",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conv, err := mboxconv.New(mboxconv.Options{
				MboxPath:     args[0],
				OutDir:       outDir,
				PriorityPath: priority,
				LabelsFile:   labelsFile,
				ListOnly:     listOnly,
			}, logger.WithField("component", "convert"))
			if err != nil {
				return err
			}
			sum, err := conv.Run()
			if err != nil {
				return err
			}
			if listOnly {
				fmt.Printf("Listed %d labels from %d messages in %s.\n", len(sum.Labels), sum.Messages, labelsFile)
			} else {
				fmt.Printf("Extracted %d messages into %s (%d labels).\n", sum.Messages, outDir, len(sum.Labels))
			}
			return nil
		},
	}
	cmd.SilenceUsage = true
	cmd.Flags().StringVar(&outDir, "out", "emails", "Output directory for extracted .eml files")
	cmd.Flags().StringVar(&priority, "priority", "", "Label priority file, one label per line, highest first")
	cmd.Flags().StringVar(&labelsFile, "labels-file", "labels.txt", "Where to write the sorted label list")
	cmd.Flags().BoolVar(&listOnly, "list-labels", false, "Only list labels, extract nothing")
	return cmd
}

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check DIRECTORY",
		Short: "Print a directory tree with per-folder sizes and file counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := os.Stat(args[0])
			if err != nil || !info.IsDir() {
				return fmt.Errorf("%q is not a directory or cannot be accessed", args[0])
			}
			return report.Tree(os.Stdout, args[0])
		},
	}
	cmd.SilenceUsage = true
	return cmd
}
