// sshget downloads files and directory trees over many parallel SSH
// connections, aggregating bandwidth across them.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sshget/sshget/agent"
	"github.com/sshget/sshget/conn"
	"github.com/sshget/sshget/fs"
	"github.com/sshget/sshget/lib/atexit"
	"github.com/sshget/sshget/lib/env"
	"github.com/sshget/sshget/transfer"
)

var version = "dev"

var opt struct {
	tunnels  int
	port     int
	identity string
	askPass  bool
	compress bool
	verbose  bool
	progress bool
	dryRun   bool
}

func main() {
	if err := rootCommand().Execute(); err != nil {
		fs.Errorf(nil, "%v", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "sshget [user@]host:path... dest",
		Short: "sshget — parallel SSH downloader",
		Long: `sshget downloads files and directory trees from a remote host over
several concurrent SSH connections, splitting large files into byte
ranges so one file can saturate more than one TCP stream.`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	flags := root.Flags()
	flags.IntVarP(&opt.tunnels, "tunnels", "t", 8, "number of parallel SSH connections")
	flags.IntVarP(&opt.port, "port", "p", 22, "remote SSH port")
	flags.StringVarP(&opt.identity, "identity", "i", "", "identity (private key) file")
	flags.BoolVarP(&opt.askPass, "ask-pass", "k", false, "prompt for an SSH password (needs sshpass)")
	flags.BoolVarP(&opt.compress, "compress", "C", false, "enable SSH compression")
	flags.BoolVarP(&opt.verbose, "verbose", "v", false, "verbose output")
	flags.BoolVar(&opt.progress, "progress", true, "show transfer progress")
	flags.BoolVar(&opt.dryRun, "dry-run", false, "plan the transfer without downloading")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("sshget " + version)
		},
	})
	return root
}

// readPassword prompts on the terminal without echo.
func readPassword() (string, error) {
	fmt.Fprint(os.Stderr, "SSH password: ")
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

func run(cmd *cobra.Command, args []string) error {
	fs.InitLogging(opt.verbose)

	sources, dest := args[:len(args)-1], args[len(args)-1]

	password := ""
	if opt.askPass {
		var err error
		password, err = readPassword()
		if err != nil {
			return err
		}
	}

	connCfg := conn.Config{
		Port:     opt.port,
		KeyFile:  env.ShellExpand(opt.identity),
		Password: password,
		Compress: opt.compress,
	}
	t := transfer.New(connCfg,
		agent.Options{Count: opt.tunnels},
		transfer.Options{Tunnels: opt.tunnels, DryRun: opt.dryRun},
	)

	// On SIGINT/SIGTERM: abort the transfer, unlink the temp files it
	// hands back, exit 0.
	handle := atexit.Register(func() {
		for _, tmp := range t.Abort() {
			if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
				fs.Errorf(nil, "failed to remove %s: %v", tmp, err)
			}
		}
	})
	defer atexit.Unregister(handle)

	done := make(chan error, 1)
	go func() {
		done <- t.Run(context.Background(), sources, dest)
	}()

	showProgress := opt.progress && term.IsTerminal(int(os.Stdout.Fd()))
	render := newRenderer(showProgress)
	for ev := range t.Events() {
		render.handle(ev)
	}
	render.finish()

	if err := <-done; err != nil {
		return err
	}
	if !opt.dryRun {
		t.Stats().Log()
	}
	return nil
}
