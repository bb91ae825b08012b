package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rescp17/vnet/internal/admin"
	"github.com/rescp17/vnet/internal/app"
	"github.com/rescp17/vnet/internal/util"
	"github.com/rescp17/vnet/pkg/compress"
	"github.com/rescp17/vnet/pkg/history"
	"github.com/rescp17/vnet/pkg/registry"
	"github.com/rescp17/vnet/pkg/sched"
	"github.com/rescp17/vnet/pkg/transfer"
	"github.com/rescp17/vnet/pkg/ui"
)

const sampleName = "sample.txt"

type demoOptions struct {
	file        string
	compression string
	loss        float64
	seed        uint64
	hotload     bool
	plain       bool
	adminAddr   string
	historyPath string
	timeout     time.Duration
	plugin      bool
	pick        bool
}

func newDemoCmd(root *rootOptions) *cobra.Command {
	opts := &demoOptions{}
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Send a file from a server to a client over a simulated channel",
		Long: "Runs a server and a client in one process, joined by an in-memory text channel.\n" +
			"The client authenticates, then the server streams the file and the client installs it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), root, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.file, "file", "f", "", "File to send (defaults to a generated sample)")
	f.StringVar(&opts.compression, "compression", "", "Override compression: none, brotli or zstd")
	f.Float64Var(&opts.loss, "loss", 0, "Probability of dropping each frame")
	f.Uint64Var(&opts.seed, "seed", 1, "Seed for frame loss")
	f.BoolVar(&opts.hotload, "hotload", false, "Ask the client to load the installed file")
	f.BoolVar(&opts.plugin, "go-plugin", false, "Load hotloaded files as Go plugins")
	f.BoolVar(&opts.pick, "pick", false, "Choose the file to send from the cache directory")
	f.BoolVar(&opts.plain, "plain", false, "Print progress lines instead of the interactive view")
	f.StringVar(&opts.adminAddr, "admin", "", "Serve status and metrics on this address")
	f.StringVar(&opts.historyPath, "history", "", "Keep transfer history in this SQLite file")
	f.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "Give up after this long")
	return cmd
}

func runDemo(ctx context.Context, root *rootOptions, opts *demoOptions, stdout, stderr io.Writer) error {
	cfg, err := root.load()
	if err != nil {
		return err
	}
	if opts.compression != "" {
		if cfg.Transfer.Compression, err = compress.ParseAlgorithm(opts.compression); err != nil {
			return err
		}
	}
	if opts.adminAddr != "" {
		cfg.Admin.Addr = opts.adminAddr
	}
	if opts.historyPath != "" {
		cfg.History.Path = opts.historyPath
	}
	if opts.loss < 0 || opts.loss >= 1 {
		return fmt.Errorf("loss must be in [0, 1), got %v", opts.loss)
	}
	if opts.pick && (opts.plain || opts.file != "") {
		return errors.New("--pick cannot be combined with --plain or --file")
	}

	// The interactive view owns the terminal, so logs go to a file.
	if !opts.plain && root.logFile == "" {
		root.logFile = "vnet.log"
	}
	logger, closeLog, err := root.logger(cfg, stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	var store history.Store
	if cfg.History.Path != "" {
		if store, err = history.OpenSQLite(cfg.History.Path); err != nil {
			return err
		}
	}

	var loader transfer.Loader
	if opts.plugin {
		loader = transfer.GoPluginLoader{}
	} else {
		loader = transfer.LoaderFunc(func(path string) error {
			logger.Info("Hotload requested", "path", path)
			return nil
		})
	}

	lb, err := app.NewLoopback(app.Options{
		Config:   cfg,
		Logger:   logger,
		LossRate: opts.loss,
		Seed:     opts.seed,
		History:  store,
		Loader:   loader,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := lb.Close(); err != nil {
			logger.Warn("Failed to close history", "error", err)
		}
	}()

	var name string
	if opts.pick {
		var ok bool
		if name, ok, err = pickPayload(ctx, lb); err != nil || !ok {
			return err
		}
	} else if name, err = stagePayload(lb, opts.file); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	done := make(chan error, 1)
	finish := func(err error) {
		select {
		case done <- err:
		default:
		}
	}

	// Both the request and the listener run on the loop goroutine.
	var transferID uuid.UUID
	lb.AddListener(transfer.ListenerFunc(func(p transfer.Progress) {
		if p.ID == transferID && p.Incoming && p.State.IsTerminal() {
			finish(p.Err)
		}
	}))
	lb.WhenKeyed(30*time.Second, func(err error) {
		if err != nil {
			finish(err)
			return
		}
		logger.Info("Link keyed, starting transfer", "file", name)
		if transferID, err = lb.Sender.RequestTransfer(app.ClientPeer, name, registry.Clientbound, opts.hotload); err != nil {
			finish(err)
		}
	})
	lb.Loop.After(0, func() {
		if err := lb.Connect(); err != nil {
			finish(err)
		}
	})

	var program *tea.Program
	if opts.plain {
		lb.AddListener(plainListener(stdout))
	} else {
		program = tea.NewProgram(ui.New("vnet demo"), tea.WithContext(ctx))
		lb.AddListener(ui.Listener(program))
	}

	go func() {
		if err := lb.Loop.Run(ctx, sched.DefaultTickInterval); err != nil && !errors.Is(err, context.Canceled) {
			finish(err)
		}
	}()
	if cfg.Admin.Addr != "" {
		srv := admin.NewServer(cfg.Admin.Addr, lb.Metrics, lb.History, lb, logger)
		go func() {
			if err := srv.Run(ctx); err != nil {
				logger.Error("Admin server stopped", "error", err)
			}
		}()
	}

	if program != nil {
		err = waitInteractive(ctx, cancel, program, done)
	} else {
		err = waitPlain(ctx, done)
	}
	stats := lb.Hub.Stats()
	logger.Info("Demo finished", "framesSent", stats.Sent, "framesDropped", stats.Dropped, "oversize", stats.Oversize)
	return err
}

// stagePayload puts the file to send into the cache and returns its name.
func stagePayload(lb *app.Loopback, path string) (string, error) {
	if path == "" {
		var b bytes.Buffer
		for i := range 200 {
			fmt.Fprintf(&b, "line %03d: the quick brown fox jumps over the lazy dog\n", i)
		}
		lb.Cache.Put(sampleName, b.Bytes())
		return sampleName, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read payload: %w", err)
	}
	entry := lb.Cache.Put(filepath.Base(path), data)
	return entry.Name, nil
}

// pickPayload loads the cache directory and lets the user choose an entry.
// ok is false when the user cancels.
func pickPayload(ctx context.Context, lb *app.Loopback) (name string, ok bool, err error) {
	if _, err := lb.Cache.Load(); err != nil {
		return "", false, err
	}
	entries := lb.Cache.Entries()
	if len(entries) == 0 {
		return "", false, errors.New("cache directory holds no payloads")
	}

	final, err := tea.NewProgram(ui.NewPicker(entries), tea.WithContext(ctx)).Run()
	if err != nil {
		return "", false, fmt.Errorf("picker: %w", err)
	}
	picker, _ := final.(ui.Picker)
	entry, ok := picker.Chosen()
	return entry.Name, ok, nil
}

func plainListener(out io.Writer) transfer.Listener {
	return transfer.ListenerFunc(func(p transfer.Progress) {
		side := "send"
		if p.Incoming {
			side = "recv"
		}
		line := fmt.Sprintf("%s %s %s / %s  %s",
			side,
			util.PadRight(p.FileName, 24),
			util.FormatSize(int64(p.Bytes)),
			util.FormatSize(int64(p.Total)),
			p.State)
		if p.Err != nil {
			line += ": " + p.Err.Error()
		}
		fmt.Fprintln(out, line)
	})
}

func waitPlain(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("transfer did not finish: %w", ctx.Err())
	}
}

// waitInteractive runs the view until the user quits. The transfer result
// is shown in the view and returned once the view exits.
func waitInteractive(ctx context.Context, cancel context.CancelFunc, p *tea.Program, done <-chan error) error {
	result := make(chan error, 1)
	go func() {
		select {
		case err := <-done:
			result <- err
			p.Send(ui.DoneMsg{Err: err})
		case <-ctx.Done():
		}
	}()

	_, err := p.Run()
	cancel()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("ui: %w", err)
	}
	select {
	case err := <-result:
		return err
	default:
		return errors.New("demo interrupted before the transfer finished")
	}
}
