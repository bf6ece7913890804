package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shuru-sandbox/shuru/internal/assets"
	"github.com/shuru-sandbox/shuru/internal/checkpoint"
	"github.com/shuru-sandbox/shuru/internal/config"
	"github.com/shuru-sandbox/shuru/internal/execsession"
	"github.com/shuru-sandbox/shuru/internal/mount"
	"github.com/shuru-sandbox/shuru/internal/portforward"
	"github.com/shuru-sandbox/shuru/internal/session"
	"github.com/shuru-sandbox/shuru/internal/shuruerr"
	"github.com/shuru-sandbox/shuru/internal/terminal"
	"github.com/shuru-sandbox/shuru/internal/vm"
	"github.com/shuru-sandbox/shuru/internal/vmconfig"
)

type runFlags struct {
	allowNet bool
	cpus     int
	memoryMB int
	diskMB   int
	mounts   []string
	ports    []string
	env      []string
	from     string
	console  bool
}

var rf runFlags

var runCmd = &cobra.Command{
	Use:   "run -- <argv...>",
	Short: "Run a command inside a fresh micro-VM sandbox",
	Long: `Boots a disposable micro-VM, runs <argv> inside it, streams its stdio
back to the host, and tears the VM down when it exits.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := runSandbox(cmd.Context(), cmd, &rf, "", args)
		if err != nil {
			return err
		}
		os.Exit(code)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	registerRunFlags(runCmd, &rf)
}

func registerRunFlags(cmd *cobra.Command, f *runFlags) {
	cmd.Flags().BoolVar(&f.allowNet, "allow-net", false, "attach a NAT network device")
	cmd.Flags().IntVar(&f.cpus, "cpus", 0, "vCPU count (default from config, or "+fmt.Sprint(config.DefaultCPUs)+")")
	cmd.Flags().IntVar(&f.memoryMB, "memory", 0, "memory in MiB (default from config, or "+fmt.Sprint(config.DefaultMemoryMB)+")")
	cmd.Flags().IntVar(&f.diskMB, "disk-size", 0, "scratch disk size in MiB (default from config, or "+fmt.Sprint(config.DefaultDiskMB)+")")
	cmd.Flags().StringArrayVarP(&f.mounts, "mount", "m", nil, "HOST:GUEST[:ro|:rw] directory to share, repeatable")
	cmd.Flags().StringArrayVarP(&f.ports, "port", "p", nil, "HOST:GUEST port to forward, repeatable")
	cmd.Flags().StringArrayVarP(&f.env, "env", "e", nil, "K=V environment variable for the guest command, repeatable")
	cmd.Flags().StringVar(&f.from, "from", "", "start from checkpoint NAME instead of the base rootfs")
	cmd.Flags().BoolVar(&f.console, "console", false, "attach a serial console and stream the guest's boot log")
}

// runSandbox is the shared body of `shuru run` and `shuru checkpoint
// create`: resolve config+flags, boot a VM, run argv in it, tear it down.
// checkpointName is empty for a plain run, or the NAME being created.
func runSandbox(ctx context.Context, cmd *cobra.Command, f *runFlags, checkpointName string, argv []string) (int, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return 0, shuruerr.Configf("load config: %v", err)
	}

	params, mounts, env, err := resolveRunParams(cmd, f, cfg)
	if err != nil {
		return 0, err
	}

	resolver, err := assets.NewResolver("")
	if err != nil {
		return 0, err
	}
	assetSet, err := resolver.Resolve()
	if err != nil {
		return 0, err
	}
	if err := mount.Validate(mounts); err != nil {
		return 0, shuruerr.Configf("validate mounts: %v", err)
	}

	instanceID := uuid.NewString()
	instanceDir := filepath.Join(resolver.InstancesDir(), instanceID)
	if err := os.MkdirAll(instanceDir, 0755); err != nil {
		return 0, shuruerr.IOf("create instance scratch dir: %v", err)
	}
	defer os.RemoveAll(instanceDir)

	rootfsPath, err := prepareRootfs(resolver, f.from, instanceDir, assetSet.RootfsPath, params.diskMB)
	if err != nil {
		return 0, err
	}
	assetSet.RootfsPath = rootfsPath

	built, err := vmconfig.Build(&vmconfig.Params{
		Assets:   assetSet,
		CPUs:     params.cpus,
		MemoryMB: params.memoryMB,
		AllowNet: params.allowNet,
		Mounts:   mounts,
		Verbose:  f.console,
	})
	if err != nil {
		return 0, err
	}

	driver, err := vm.NewDriverForPlatform(built, log)
	if err != nil {
		return 0, err
	}

	forwardRules, err := parsePortRules(params.ports)
	if err != nil {
		return 0, err
	}
	var forwarder *portforward.Forwarder
	if len(forwardRules) > 0 {
		forwarder, err = portforward.New(forwardRules, driver.DialVsock, log)
		if err != nil {
			return 0, err
		}
	}

	sess := session.New()

	bootCtx, cancelBoot := context.WithTimeout(ctx, 30_000_000_000)
	defer cancelBoot()
	if err := driver.Start(bootCtx); err != nil {
		return 0, err
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	sigDone := make(chan struct{})
	defer close(sigDone)

	var execSessPtr atomic.Pointer[execsession.Session]
	go watchSignals(sigCh, sigDone, &execSessPtr, cancelRun)

	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10_000_000_000)
		defer cancel()
		driver.Stop(stopCtx)
	}()

	forwardRules, err := parsePortRules(params.ports)
	if err != nil {
		return 0, err
	}
	var forwarder *portforward.Forwarder
	if len(forwardRules) > 0 {
		forwarder, err = portforward.New(forwardRules, driver.DialVsock, log)
		if err != nil {
			return 0, err
		}
	}

	if err := sess.Transition(session.StateConnecting); err != nil {
		return 0, err
	}

	conn, err := driver.DialVsock(runCtx, vmconfig.VsockControlPort)
	if err != nil {
		return 0, err
	}

	if forwarder != nil {
		forwarder.Serve(runCtx)
	}

	if err := sess.Transition(session.StateRunning); err != nil {
		return 0, err
	}

	term := terminal.New()
	execSess := execsession.New(conn, term, log)
	execSessPtr.Store(execSess)
	code, err := execSess.Run(runCtx, &execsession.Request{
		Argv: argv,
		Env:  env,
		TTY:  term.IsTTY(),
	})

	sess.Transition(session.StateTerminating)

	if checkpointName != "" && err == nil && code == 0 {
		if cerr := commitCheckpoint(resolver, checkpointName, f.from, rootfsPath); cerr != nil {
			return code, cerr
		}
	}

	sess.Transition(session.StateDone)

	if err != nil {
		return 0, err
	}
	return shuruerr.ExitCodeForSignal(code), nil
}

// watchSignals implements §4.4/§5's Cancellation policy: SIGTERM always
// force-stops; the first SIGINT while a command is running (execSess
// already stored) forwards \x03 to the guest's PTY instead of tearing the
// VM down, and only a second SIGINT within 2s (or any signal before
// execSess exists, i.e. still booting/connecting) calls cancel to force a
// stop.
func watchSignals(sigCh <-chan os.Signal, done <-chan struct{}, execSess *atomic.Pointer[execsession.Session], cancel context.CancelFunc) {
	for {
		select {
		case <-done:
			return
		case sig := <-sigCh:
			if sig == syscall.SIGTERM {
				cancel()
				return
			}

			sess := execSess.Load()
			if sess == nil {
				cancel()
				return
			}
			sess.SendInterrupt()

			timer := time.NewTimer(2 * time.Second)
			select {
			case <-done:
				timer.Stop()
				return
			case <-sigCh:
				timer.Stop()
				cancel()
				return
			case <-timer.C:
				// Window passed without a second signal; keep watching.
			}
		}
	}
}

type resolvedParams struct {
	cpus     int
	memoryMB int
	diskMB   int
	allowNet bool
	ports    []string
}

func resolveRunParams(cmd *cobra.Command, f *runFlags, cfg *config.Config) (*resolvedParams, []*mount.Mount, map[string]string, error) {
	p := &resolvedParams{
		cpus:     cfg.CPUs,
		memoryMB: cfg.Memory,
		diskMB:   cfg.DiskSize,
		allowNet: cfg.AllowNet,
		ports:    cfg.Ports,
	}
	if f.cpus > 0 {
		p.cpus = f.cpus
	}
	if f.memoryMB > 0 {
		p.memoryMB = f.memoryMB
	}
	if f.diskMB > 0 {
		p.diskMB = f.diskMB
	}
	if cmd.Flags().Changed("allow-net") {
		p.allowNet = f.allowNet
	}

	mountSpecs := cfg.Mounts
	if len(f.mounts) > 0 {
		mountSpecs = f.mounts
	}
	mounts := make([]*mount.Mount, 0, len(mountSpecs))
	for _, spec := range mountSpecs {
		m, err := mount.Parse(spec)
		if err != nil {
			return nil, nil, nil, shuruerr.Configf("mount: %v", err)
		}
		mounts = append(mounts, m)
	}

	if len(f.ports) > 0 {
		p.ports = f.ports
	}

	env := make(map[string]string, len(cfg.Env)+len(f.env))
	for k, v := range cfg.Env {
		env[k] = v
	}
	for _, kv := range f.env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, nil, nil, shuruerr.Configf("invalid -e %q: expected K=V", kv)
		}
		env[k] = v
	}

	return p, mounts, env, nil
}

func parsePortRules(specs []string) ([]portforward.Rule, error) {
	rules := make([]portforward.Rule, 0, len(specs))
	for _, spec := range specs {
		r, err := portforward.ParseRule(spec)
		if err != nil {
			return nil, shuruerr.Configf("port forward: %v", err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// prepareRootfs copies the base rootfs (or, with --from, a checkpoint's
// image) into the instance's scratch directory, per §4.8's "copy-on-run
// attachment": a run never mutates a checkpoint's or the shared base
// image in place. diskMB grows the scratch file's sparse size to at least
// that many MiB; growing the ext4 filesystem inside it to match would
// need an external resize2fs, which (like building rootfs images at all)
// is out of scope, so a guest only gains usable space from --disk-size
// when the base image was already built with that much headroom.
func prepareRootfs(resolver *assets.Resolver, from, instanceDir, baseRootfs string, diskMB int) (string, error) {
	scratchPath := filepath.Join(instanceDir, "rootfs.ext4")

	var srcPath string
	if from == "" {
		srcPath = baseRootfs
	} else {
		store, err := checkpoint.NewStore(resolver.CheckpointsDir())
		if err != nil {
			return "", err
		}
		if !store.Exists(from) {
			return "", shuruerr.Checkpointf("checkpoint %q not found", from)
		}
		unlock, err := store.Lock(from)
		if err != nil {
			return "", err
		}
		defer unlock()
		srcPath = store.ImagePath(from)
	}

	if err := checkpoint.CopyToScratch(srcPath, scratchPath); err != nil {
		return "", shuruerr.IOf("copy rootfs image: %v", err)
	}

	if diskMB > 0 {
		if err := growScratchFile(scratchPath, int64(diskMB)*1024*1024); err != nil {
			return "", shuruerr.IOf("grow scratch image: %v", err)
		}
	}

	return scratchPath, nil
}

func growScratchFile(path string, minSize int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() >= minSize {
		return nil
	}
	return os.Truncate(path, minSize)
}

func commitCheckpoint(resolver *assets.Resolver, name, parent, scratchPath string) error {
	store, err := checkpoint.NewStore(resolver.CheckpointsDir())
	if err != nil {
		return err
	}
	if err := checkpoint.ValidateName(name); err != nil {
		return shuruerr.Checkpointf("%v", err)
	}

	committed := filepath.Join(filepath.Dir(scratchPath), name+"-commit.ext4")
	if err := checkpoint.CopyToScratch(scratchPath, committed); err != nil {
		return shuruerr.Checkpointf("copy scratch image for commit: %v", err)
	}
	if err := store.Commit(name, parent, committed); err != nil {
		os.Remove(committed)
		return shuruerr.Checkpointf("commit: %v", err)
	}
	return nil
}
