package cmds

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/zeke-tools/kscope/pkg/config"
	"github.com/zeke-tools/kscope/pkg/logflags"
	"github.com/zeke-tools/kscope/pkg/target"
	"github.com/zeke-tools/kscope/pkg/target/core"
	"github.com/zeke-tools/kscope/pkg/target/gdbserial"
	"github.com/zeke-tools/kscope/pkg/terminal"
	"github.com/zeke-tools/kscope/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// initFile is the path to initialization file.
	initFile string

	// rawBase is the load address of a raw memory dump.
	rawBase addrFlag
	// dialTimeout bounds the connection to a gdb stub.
	dialTimeout time.Duration

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command
)

const kscopeCommandLongDesc = `kscope is an inspector for the data structures of a Zeke kernel.

kscope reads the debug information of a kernel image and the kernel's memory,
either from a dump file or from a running kernel through a gdb remote stub,
and prints processes, threads, sessions and the queues linking them.

The target is never modified: kscope does not stop, resume or write to the
kernel it inspects.`

// addrFlag is a pflag.Value holding an address written in hexadecimal,
// with or without the 0x prefix.
type addrFlag uint64

var _ pflag.Value = (*addrFlag)(nil)

func (a *addrFlag) String() string { return fmt.Sprintf("%#x", uint64(*a)) }

func (a *addrFlag) Set(s string) error {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	n, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q", s)
	}
	*a = addrFlag(n)
	return nil
}

func (a *addrFlag) Type() string { return "address" }

// New returns an initialized command tree.
func New() *cobra.Command {
	rootCommand = &cobra.Command{
		Use:   "kscope",
		Short: "kscope is an inspector for Zeke kernel data structures.",
		Long:  kscopeCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'kscope help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'kscope help log').")
	rootCommand.PersistentFlags().StringVar(&initFile, "init", "", "Init file, executed by the terminal before the first prompt.")

	// 'core' subcommand.
	coreCommand := &cobra.Command{
		Use:   "core <kernel> [dump]",
		Short: "Examine a kernel memory dump.",
		Long: `Examine a kernel memory dump.

The core command loads the debug information of the kernel image and reads
memory from the dump file. An ELF dump has its loadable segments mapped at
their virtual addresses; with --raw-base the dump is a flat image of memory
starting at the given address. Without a dump the initialized data of the
kernel image itself is examined.`,
		Args: cobra.RangeArgs(1, 2),
		Run:  coreCmd,
	}
	coreCommand.Flags().Var(&rawBase, "raw-base", "Load address of a raw memory dump, in hexadecimal.")
	rootCommand.AddCommand(coreCommand)

	// 'connect' subcommand.
	connectCommand := &cobra.Command{
		Use:   "connect <kernel> <addr>",
		Short: "Connect to a gdb remote stub.",
		Long: `Connect to the gdb remote stub of a running kernel, for example the
one provided by QEMU with -gdb tcp::1234, and read its memory.`,
		Args: cobra.ExactArgs(2),
		Run:  connectCmd,
	}
	connectCommand.Flags().DurationVar(&dialTimeout, "timeout", 30*time.Second, "Connection timeout.")
	rootCommand.AddCommand(connectCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kscope\n%s\n", version.KscopeVersion)
			if v, _ := cmd.Flags().GetBool("verbose"); v {
				fmt.Fprintln(cmd.OutOrStdout(), version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolP("verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	target		Log debug information loading and memory reads
	gdbwire		Log connection to the gdb remote stub
	walk		Log list and tree traversals
	terminal	Log executed commands

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func coreCmd(cmd *cobra.Command, args []string) {
	kernel := args[0]
	raw := cmd.Flags().Changed("raw-base")
	os.Exit(execute(kernel, func() (target.MemoryReader, error) {
		if len(args) < 2 {
			if raw {
				return nil, fmt.Errorf("--raw-base requires a dump file")
			}
			return core.OpenELF(kernel)
		}
		if raw {
			return core.OpenRaw(args[1], uint64(rawBase))
		}
		return core.OpenELF(args[1])
	}))
}

func connectCmd(cmd *cobra.Command, args []string) {
	addr := args[1]
	if addr == "" {
		fmt.Fprint(os.Stderr, "An empty address was provided. You must provide an address as the second argument.\n")
		os.Exit(1)
	}
	os.Exit(execute(args[0], func() (target.MemoryReader, error) {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		return gdbserial.Dial(ctx, addr)
	}))
}

// execute loads the kernel's debug information, opens its memory and runs
// the terminal until the user exits.
func execute(kernel string, openMemory func() (target.MemoryReader, error)) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	bi, err := target.LoadBinaryInfo(kernel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not load %s: %v\n", kernel, err)
		return 1
	}
	mem, err := openMemory()
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not open kernel memory: %v\n", err)
		return 1
	}
	tgt := target.New(bi, mem)
	defer tgt.Close()

	conf, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
	}

	term, err := terminal.New(tgt, conf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if err := term.CheckPrinters(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	term.InitFile = initFile
	status, err := term.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	return status
}
