package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"

	"github.com/tinyrange-cc/rv64gc/internal/config"
	"github.com/tinyrange-cc/rv64gc/internal/logging"
	"github.com/tinyrange-cc/rv64gc/internal/vm"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rv64emu: %v\n", err)
		os.Exit(1)
	}
}

// fixCrlf rewrites bare newlines to CRLF so diagnostics stay aligned in a
// terminal put into raw mode for the guest console.
type fixCrlf struct {
	w io.Writer
}

func (f *fixCrlf) Write(p []byte) (int, error) {
	return f.w.Write(bytes.ReplaceAll(p, []byte{'\n'}, []byte{'\r', '\n'}))
}

// stripANSIWriter strips ANSI escape sequences before writing, so guest
// output bound for a non-terminal sink (a pipe, a log file) doesn't carry
// raw control codes.
type stripANSIWriter struct {
	w io.Writer
}

func (s *stripANSIWriter) Write(p []byte) (int, error) {
	if _, err := s.w.Write([]byte(ansi.Strip(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}

func run() error {
	configPath := flag.String("config", "", "Path to a machine config YAML file")
	bootImage := flag.String("boot-image", "", "Path to a raw boot image (overrides config)")
	dtbPath := flag.String("dtb", "", "Path to a device tree blob (overrides config)")
	diskPath := flag.String("disk", "", "Path to a raw disk image (overrides config)")
	ramBytes := flag.Uint64("ram", 0, "RAM size in bytes (overrides config)")
	dbg := flag.Bool("debug", false, "Enable debug logging")
	passthrough := flag.Bool("uart-passthrough", false, "Wire the UART to the host terminal")
	yieldAfter := flag.Int64("yield-after", 0, "Instructions per context-cancellation check (0 = default)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Boot a RV64GC machine from a config file or explicit flags.\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	logOut := io.Writer(os.Stderr)
	if *passthrough {
		logOut = &fixCrlf{w: os.Stderr}
	}
	logger := logging.New(logOut, *dbg)
	slog.SetDefault(logger)

	var cfg config.Machine
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *ramBytes != 0 {
		cfg.RAMBytes = *ramBytes
	}
	if *bootImage != "" {
		cfg.BootImage = *bootImage
	}
	if *dtbPath != "" {
		cfg.DTB = *dtbPath
	}
	if *diskPath != "" {
		cfg.DiskImage = *diskPath
	}
	if *passthrough {
		cfg.UARTPassthrough = true
	}
	if cfg.BootImage == "" {
		flag.Usage()
		return fmt.Errorf("boot image required (via -config or -boot-image)")
	}
	if cfg.RAMBytes == 0 {
		cfg.RAMBytes = 128 * 1024 * 1024
	}

	boot, err := os.ReadFile(cfg.BootImage)
	if err != nil {
		return fmt.Errorf("read boot image: %w", err)
	}

	var dtb []byte
	if cfg.DTB != "" {
		dtb, err = os.ReadFile(cfg.DTB)
		if err != nil {
			return fmt.Errorf("read dtb: %w", err)
		}
	}

	var stdout io.Writer = os.Stdout
	var stdin io.Reader = os.Stdin
	if !*passthrough {
		// Without a raw terminal backing the console, strip escape
		// sequences the guest writes so redirected/piped output stays
		// readable.
		stdout = &stripANSIWriter{w: os.Stdout}
	}

	m := vm.NewMachine(cfg.RAMBytes, stdout, stdin)
	m.Logger = logger

	if cfg.DiskImage != "" {
		disk, err := os.ReadFile(cfg.DiskImage)
		if err != nil {
			return fmt.Errorf("read disk image: %w", err)
		}
		m.AttachDisk(disk)
	}

	if err := m.LoadBytes(vm.RAMBase, boot); err != nil {
		return fmt.Errorf("load boot image: %w", err)
	}
	m.BootMachine(dtb)
	m.SetStopOnZero(true)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if *passthrough && term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)

		stop := startInputForwarder(ctx, m, os.Stdin)
		defer stop()
	}

	err = m.Run(ctx, *yieldAfter)
	switch {
	case errors.Is(err, vm.ErrHalt):
		return nil
	case errors.Is(err, vm.ErrPoweroff):
		slog.Info("guest requested poweroff")
		return nil
	case errors.Is(err, vm.ErrReboot):
		slog.Info("guest requested reboot")
		return nil
	case errors.Is(err, context.Canceled):
		return nil
	default:
		return err
	}
}

// startInputForwarder reads host stdin in its own goroutine and pushes each
// byte into the UART's input queue, since the core never reads files or
// terminals itself.
func startInputForwarder(ctx context.Context, m *vm.Machine, r io.Reader) func() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 256)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				m.UART.EnqueueInput(append([]byte(nil), buf[:n]...))
			}
			if err != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()
	return func() {
		<-done
	}
}
