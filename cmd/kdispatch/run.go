package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/notargets/KernelDispatch/kernels"
	"github.com/notargets/KernelDispatch/kernelsrc"
	"github.com/notargets/KernelDispatch/session"
)

func newRunCmd(g *globalOptions) *cobra.Command {
	var (
		configPath string
		flags      = defaultRunConfig()
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a kernel over a 1-D range and print the last output element",
		Long: `Runs a kernel whose buffer parameters are inputs (const) and outputs.
Inputs are filled with 0, 1, ..., n-1 and integer scalars receive n. The
default program is the embedded helloworld copy kernel.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunConfig(configPath)
			if err != nil {
				return err
			}
			cfg.override(cmd, flags)
			if err := cfg.validate(); err != nil {
				return err
			}
			return runKernel(cmd, g, cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "YAML file with run settings")
	f.StringVar(&flags.Driver, "driver", flags.Driver, "Driver (host, occa, opencl, webgpu)")
	f.StringVar(&flags.Device, "device", flags.Device, "Device type (any, cpu, gpu, accelerator)")
	f.StringVar(&flags.Source, "source", "", "Kernel source file (default: embedded helloworld)")
	f.StringVar(&flags.Kernel, "kernel", flags.Kernel, "Kernel entry point")
	f.IntVarP(&flags.Elements, "elements", "n", flags.Elements, "Number of work items")
	f.IntVar(&flags.Local, "local", 0, "Work-group size (0 lets the driver choose)")
	f.DurationVar(&flags.Timeout, "timeout", flags.Timeout, "Maximum time to wait for the kernel")
	return cmd
}

func runKernel(cmd *cobra.Command, g *globalOptions, cfg runConfig) error {
	name, source, err := loadSource(cfg)
	if err != nil {
		return err
	}
	t, err := openTarget(g.logger, cfg.Driver, cfg.Device)
	if err != nil {
		return err
	}
	// an expired wait replaces drain so close does not block on the kernel
	drain := cmd.Context()
	defer func() {
		if err := t.close(drain); err != nil {
			g.logger.Warn("failed to release session", "err", err)
		}
	}()

	k, err := t.build(name, source, cfg.Kernel)
	if err != nil {
		return err
	}
	params, err := t.s.KernelParams(k)
	if err != nil {
		return err
	}

	n := cfg.Elements
	var (
		bindings []session.Binding
		output   session.BufferID
		outParam kernelsrc.Param
		haveOut  bool
	)
	for _, p := range params {
		switch p.Kind() {
		case kernelsrc.KindBuffer:
			init, err := ramp(p, n)
			if err != nil {
				return err
			}
			mode := session.ReadWrite
			if p.Const {
				mode = session.ReadOnly
			} else {
				// outputs start zeroed
				init = make([]byte, len(init))
			}
			b, err := t.allocate(len(init), mode, init)
			if err != nil {
				return err
			}
			bindings = append(bindings, session.Buffer(p.Index, b))
			if !p.Const {
				output, outParam, haveOut = b, p, true
			}
		case kernelsrc.KindScalar:
			bindings = append(bindings, session.Scalar(p.Index, n))
		default:
			return fmt.Errorf("kernel %s: parameter '%s %s' is not supported by run", cfg.Kernel, p.TypeName(), p.Name)
		}
	}
	if !haveOut {
		return fmt.Errorf("kernel %s has no output buffer", cfg.Kernel)
	}
	if err := t.s.Configure(k, bindings...); err != nil {
		return err
	}

	r := session.Global(n)
	if cfg.Local > 0 {
		r = r.WithLocal(cfg.Local)
	}
	start := time.Now()
	ev, err := t.s.Enqueue(t.queue, k, r)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout)
	defer cancel()
	if err := t.s.WaitContext(ctx, 0, ev); err != nil {
		drain = ctx
		return fmt.Errorf("failed to run %s: %w", cfg.Kernel, err)
	}
	info, err := t.s.EventInfo(ev)
	if err == nil {
		g.logger.Info("kernel finished", "kernel", cfg.Kernel, "range", r.String(),
			"device_time", info.Duration(), "elapsed", time.Since(start))
	}

	raw := make([]byte, outParam.Type.Size()*n)
	if _, err := t.s.EnqueueRead(t.queue, output, raw, true); err != nil {
		return fmt.Errorf("failed to read output: %w", err)
	}
	v, err := element(outParam, raw, n-1)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "output[%d] = %.1f\n", n-1, v)
	return nil
}

func loadSource(cfg runConfig) (string, string, error) {
	if cfg.Source == "" {
		return kernels.Source("helloworld", cfg.Driver)
	}
	b, err := os.ReadFile(cfg.Source)
	if err != nil {
		return "", "", fmt.Errorf("failed to read kernel source: %w", err)
	}
	return cfg.Source, string(b), nil
}
