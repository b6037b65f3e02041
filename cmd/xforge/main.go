package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"xforge/pkg/debug"
	"xforge/pkg/packager"
	"xforge/pkg/pipeline"
	"xforge/pkg/project"
	"xforge/pkg/registry"
	"xforge/pkg/target"
	"xforge/pkg/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, logger, err := telemetry.Init(ctx, "xforge")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer shutdown(context.Background())

	stopStatus, err := telemetry.StartStatusListener(logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if stopStatus != nil {
		defer stopStatus(context.Background())
	}

	if err := newRootCommand(logger).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(logger *log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "xforge",
		Short:         "Build, package, and deploy applications to connected devices",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newDevicesCommand())
	cmd.AddCommand(newBuildCommand(logger))
	cmd.AddCommand(newRunCommand(logger))
	return cmd
}

func newDevicesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List devices reachable through the configured transports",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := registry.New().Refresh(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 8, 2, ' ', 0)
			fmt.Fprintln(w, "IDENTIFIER\tNAME\tPLATFORM\tOS VERSION")
			for _, d := range devices {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.ID, d.Name, d.Platform, d.OSVersion)
			}
			return w.Flush()
		},
	}
}

// buildFlags are shared between build and run.
type buildFlags struct {
	projectFile string
	device      string
	release     bool
	outDir      string
	jobs        int
}

func (f *buildFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.projectFile, "project", project.DefaultFile, "Project file to build")
	cmd.Flags().StringVar(&f.device, "device", "host", "Device selector: identifier, name prefix, or \"host\"")
	cmd.Flags().BoolVar(&f.release, "release", false, "Build with release optimization")
	cmd.Flags().StringVar(&f.outDir, "out", "dist", "Directory the package is written to")
	cmd.Flags().IntVar(&f.jobs, "jobs", 0, "Concurrent task limit, 0 for one per CPU")
}

func newBuildCommand(logger *log.Logger) *cobra.Command {
	var flags buildFlags
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build and package for a device, then install",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := buildAndInstall(cmd.Context(), logger, &flags)
			return err
		},
	}
	flags.register(cmd)
	return cmd
}

func newRunCommand(logger *log.Logger) *cobra.Command {
	var (
		flags     buildFlags
		useDebug  bool
		debugPort int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build, install, and start on a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			res, err := buildAndInstall(ctx, logger, &flags)
			if err != nil {
				return err
			}
			if useDebug {
				return runDebug(ctx, res.device, res.config.EntryPoint, debugPort)
			}
			return runPlain(ctx, res)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&useDebug, "debug", false, "Attach a debug session instead of starting directly")
	cmd.Flags().IntVar(&debugPort, "debug-port", 9229, "Remote debug server port")
	return cmd
}

// buildResult is what run needs after a completed build and install.
type buildResult struct {
	device *registry.Device
	config *project.Config
	// entryBinary is the local path of the entry-point artifact, used to
	// launch directly on the host pseudo-device.
	entryBinary string
}

// buildAndInstall runs the full pipeline: resolve device, build the task
// graph for its profile, assemble the package, and push plus install it.
func buildAndInstall(ctx context.Context, logger *log.Logger, flags *buildFlags) (*buildResult, error) {
	cfg, err := project.Load(flags.projectFile)
	if err != nil {
		return nil, err
	}

	dev, err := registry.New().Resolve(ctx, flags.device)
	if err != nil {
		return nil, err
	}

	opt := target.Debug
	if flags.release {
		opt = target.Release
	}
	profile := target.Profile{Platform: dev.Platform, Arch: dev.Arch, Opt: opt}
	logger.Printf("INFO building %s %s for %s (%s)", cfg.Name, cfg.Version, dev.ID, profile.Triple())

	runner := pipeline.Runner{Workers: flags.jobs, Output: os.Stdout}
	artifacts, err := runner.Run(ctx, cfg.BuildTasks(profile))
	if err != nil {
		return nil, err
	}

	signer, err := packager.LoadSigner()
	if err != nil {
		return nil, err
	}
	pack := packager.Packager{OutDir: flags.outDir, Signer: signer}
	pkg, err := pack.Assemble(ctx, packager.Request{
		Name:       cfg.Name,
		Identifier: cfg.Identifier,
		Version:    cfg.Version,
		EntryPoint: cfg.EntryPoint,
		Profile:    profile,
		Artifacts:  artifacts,
	})
	if err != nil {
		return nil, err
	}
	logger.Printf("INFO packaged %s", pkg.Path)

	res := &buildResult{device: dev, config: cfg}
	for _, a := range artifacts {
		if filepath.Base(a.Path) == cfg.EntryPoint {
			res.entryBinary = a.Path
		}
	}

	if dev.ID == "host" {
		// The host pseudo-device runs binaries in place; no install step.
		return res, nil
	}

	remotePath := installPath(dev.Platform, filepath.Base(pkg.Path))
	if err := dev.PushFile(ctx, pkg.Path, remotePath); err != nil {
		return nil, err
	}
	proc, err := dev.SpawnProcess(ctx, []string{"install", remotePath})
	if err != nil {
		return nil, err
	}
	go io.Copy(os.Stdout, proc.Stdout())
	go io.Copy(os.Stderr, proc.Stderr())
	code, err := proc.Wait()
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("install on %s exited with code %d", dev.ID, code)
	}
	logger.Printf("INFO installed %s on %s", pkg.Manifest.Identifier, dev.ID)
	return res, nil
}

func installPath(p target.Platform, base string) string {
	switch p {
	case target.Android:
		return "/data/local/tmp/" + base
	case target.IOS:
		return "/private/var/tmp/" + base
	case target.Windows:
		return base
	default:
		return "/tmp/xforge/" + base
	}
}

func runPlain(ctx context.Context, res *buildResult) error {
	dev := res.device
	argv := []string{"start", res.config.Identifier}
	if dev.ID == "host" {
		argv = []string{res.entryBinary}
	}
	proc, err := dev.SpawnProcess(ctx, argv)
	if err != nil {
		return err
	}
	go io.Copy(os.Stdout, proc.Stdout())
	go io.Copy(os.Stderr, proc.Stderr())
	code, err := proc.Wait()
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("process exited with code %d", code)
	}
	return nil
}

// runDebug forwards the device's debug port, attaches a session, and
// streams output until the remote process exits.
func runDebug(ctx context.Context, dev *registry.Device, entryPoint string, port int) error {
	forward, err := dev.ForwardPort(ctx, port)
	if err != nil {
		return err
	}
	defer forward.Close()

	dial := func(ctx context.Context) (io.ReadWriteCloser, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(forward.LocalPort())))
	}
	session, err := debug.NewBridge().Open(dev.ID, dial)
	if err != nil {
		return err
	}
	defer session.SafeQuit(context.Background())

	if err := session.Connect(ctx); err != nil {
		return err
	}
	if err := session.Run(ctx, entryPoint); err != nil {
		return err
	}
	if err := session.AutoExit(ctx); err != nil {
		return err
	}

	for line := range session.Lines() {
		switch line.Source {
		case "stderr":
			fmt.Fprintln(os.Stderr, line.Text)
		default:
			fmt.Fprintln(os.Stdout, line.Text)
		}
	}

	if err := session.Err(); err != nil {
		return err
	}
	if code, ok := session.ExitCode(); ok && code != 0 {
		return fmt.Errorf("process exited with code %d", code)
	}
	return nil
}
