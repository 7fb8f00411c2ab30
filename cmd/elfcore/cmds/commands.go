package cmds

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/klauspost/compress/zstd"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v2"

	"github.com/go-elfcore/elfcore/pkg/config"
	"github.com/go-elfcore/elfcore/pkg/coredump"
	"github.com/go-elfcore/elfcore/pkg/logflags"
	"github.com/go-elfcore/elfcore/pkg/proc"
	"github.com/go-elfcore/elfcore/pkg/proc/amd64util"
	"github.com/go-elfcore/elfcore/pkg/proc/core"
	"github.com/go-elfcore/elfcore/pkg/proc/linutil"
	"github.com/go-elfcore/elfcore/pkg/proc/native"
	"github.com/go-elfcore/elfcore/pkg/version"
)

// Name and type of the note created from the note-file argument.
const (
	positionalNoteName = "TEST"
	positionalNoteType = 100
)

var (
	// verbose enables debug output of the core file writer.
	verbose bool
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string

	// notes are name:type:path custom notes.
	notes []string
	// compress enables zstd compression of the core file.
	compress bool
	// useCoredumpFilter makes mappings excluded by coredump_filter empty.
	useCoredumpFilter bool
	// chunkSize is the size of the memory copy buffer.
	chunkSize int

	// configPath is the path of the config file, empty for the default.
	configPath string
	// envFile is a dotenv file with ELFCORE_* overrides.
	envFile string

	// versionVerbose prints the build info of the binary.
	versionVerbose bool
	// initConfig creates the default config file.
	initConfig bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	// backend attaches to the target process.
	backend proc.Backend = native.Backend{}

	// isTerminal reports whether w is a terminal.
	isTerminal = func(w io.Writer) bool {
		f, ok := w.(*os.File)
		return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
	}
)

const elfcoreCommandLongDesc = `elfcore writes an ELF core file of a running process without killing it.

Every thread of the process is stopped while its registers and memory are
copied, then the process resumes. The core file can be examined with gdb,
lldb or Delve.

If output is - the core file is written to standard output. If note-file is
given its contents are added to the core file as a note with name TEST and
type 100.`

// New returns an initialized command tree.
func New() *cobra.Command {
	rootCommand = &cobra.Command{
		Use:          "elfcore [flags] <pid> <output> [note-file]",
		Short:        "Writes the core file of a running process.",
		Long:         elfcoreCommandLongDesc,
		Args:         cobra.RangeArgs(2, 3),
		SilenceUsage: true,
		RunE:         dumpCmd,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'elfcore help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'elfcore help log').")
	rootCommand.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $XDG_CONFIG_HOME/elfcore/config.yml).")
	rootCommand.PersistentFlags().StringVar(&envFile, "env-file", "", "Dotenv file with ELFCORE_* settings.")

	rootCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print debug output of the core file writer.")
	rootCommand.Flags().StringArrayVar(&notes, "note", nil, "Adds the contents of a file as a note, in the form name:type:path. Can be repeated.")
	rootCommand.Flags().BoolVar(&compress, "compress", false, "Compress the core file with zstd.")
	rootCommand.Flags().BoolVar(&useCoredumpFilter, "coredump-filter", false, "Honor /proc/<pid>/coredump_filter like the kernel does.")
	rootCommand.Flags().IntVar(&chunkSize, "chunk-size", proc.DefaultChunkSize, "Size of the buffer used to copy memory.")

	inspectCommand := &cobra.Command{
		Use:   "inspect <core>",
		Short: "Prints a summary of a core file.",
		Long: `Prints the file header, the notes, the threads and the segments of a core file.

Core files compressed with zstd are decompressed transparently.`,
		Args: cobra.ExactArgs(1),
		RunE: inspectCmd,
	}
	rootCommand.AddCommand(inspectCommand)

	configCommand := &cobra.Command{
		Use:   "config",
		Short: "Prints the configuration.",
		Long: `Prints the configuration resulting from the config file and the
ELFCORE_* environment variables.

With --init the default config file is created if it does not exist.`,
		Args: cobra.NoArgs,
		RunE: configCmd,
	}
	configCommand.Flags().BoolVar(&initConfig, "init", false, "Create the default config file.")
	rootCommand.AddCommand(configCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "elfcore\n%s\n", version.ElfcoreVersion)
			if versionVerbose {
				fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&versionVerbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:

	core		Log the layout and writing of the core file
	native		Log attaching, detaching and reading the target process

The -v flag is equivalent to --log --log-output=core.

Warnings, for example about memory that could not be read, are always
printed.

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
`})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// loadConfig reads the config file and applies the environment and the
// flags that were set on the command line.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	conf, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := conf.ApplyEnv(envFile); err != nil {
		return nil, err
	}
	if err := applyFlags(conf, cmd.Flags()); err != nil {
		return nil, err
	}
	return conf, nil
}

// applyFlags overrides conf with the flags set on the command line.
func applyFlags(conf *config.Config, flags *pflag.FlagSet) error {
	if flags.Changed("compress") {
		conf.Compress = compress
	}
	if flags.Changed("coredump-filter") {
		conf.UseCoredumpFilter = useCoredumpFilter
	}
	if flags.Changed("chunk-size") {
		if chunkSize <= 0 {
			return fmt.Errorf("invalid chunk size %d", chunkSize)
		}
		conf.ChunkSize = chunkSize
	}
	if flags.Changed("log-output") {
		conf.LogOutput = logOutput
	}
	for _, s := range notes {
		n, err := config.ParseNoteSpec(s)
		if err != nil {
			return err
		}
		conf.Notes = append(conf.Notes, n)
	}
	return nil
}

func setupLogging(conf *config.Config) error {
	logstr := conf.LogOutput
	if verbose && logstr == "" {
		logstr = "core"
	}
	return logflags.Setup(log || verbose || logstr != "", logstr, logDest)
}

func dumpCmd(cmd *cobra.Command, args []string) error {
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid pid %q", args[0])
	}
	output := args[1]

	conf, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if len(args) > 2 {
		conf.Notes = append(conf.Notes, config.NoteSpec{Name: positionalNoteName, Type: positionalNoteType, Path: args[2]})
	}
	if err := setupLogging(conf); err != nil {
		return err
	}
	defer logflags.Close()

	if output == "-" && isTerminal(cmd.OutOrStdout()) {
		return errors.New("refusing to write a core file to a terminal, redirect standard output")
	}

	opts := []coredump.Option{coredump.WithCoredumpFilter(conf.UseCoredumpFilter)}
	if conf.ChunkSize > 0 {
		opts = append(opts, coredump.WithChunkSize(conf.ChunkSize))
	}
	b, err := coredump.New(pid, backend, opts...)
	if err != nil {
		return err
	}
	defer b.Close()

	for _, n := range conf.Notes {
		if err := addNoteFile(b, n); err != nil {
			return err
		}
	}

	if output == "-" {
		err = writeCore(b, cmd.OutOrStdout(), conf.Compress)
	} else {
		err = writeCoreFile(b, output, conf.Compress)
	}
	if err != nil {
		return err
	}

	stats := b.Stats()
	fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d bytes to %s\n", stats.BytesWritten, output)
	if logflags.Core() {
		fmt.Fprintf(cmd.ErrOrStderr(), "%d threads, %d notes, %d segments, %d without contents, %d partially unreadable\n",
			stats.Threads, stats.Notes, stats.Segments, stats.EmptySegments, stats.DegradedSegments)
	}
	return nil
}

func addNoteFile(b *coredump.Builder, n config.NoteSpec) error {
	f, err := os.Open(n.Path)
	if err != nil {
		return fmt.Errorf("%w: note %v: %w", coredump.ErrNoteSourceRead, n, err)
	}
	defer f.Close()
	return b.AddCustomFileNote(n.Name, f, n.Type)
}

// writeCoreFile writes the core file to path, removing it if writing
// fails.
func writeCoreFile(b *coredump.Builder, path string, compressed bool) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	err = writeCore(b, f, compressed)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("%w: %w", coredump.ErrSinkWrite, cerr)
	}
	if err != nil {
		os.Remove(path)
	}
	return err
}

func writeCore(b *coredump.Builder, w io.Writer, compressed bool) error {
	if !compressed {
		_, err := b.Write(w)
		return err
	}
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	_, err = b.Write(enc)
	if cerr := enc.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("%w: %w", coredump.ErrSinkWrite, cerr)
	}
	return err
}

func inspectCmd(cmd *cobra.Command, args []string) error {
	c, err := core.Open(args[0])
	if err != nil {
		return err
	}
	defer c.Close()
	return printCore(cmd.OutOrStdout(), c)
}

func printCore(out io.Writer, c *core.Core) error {
	fmt.Fprintf(out, "Type: %v  Machine: %v  Class: %v  Data: %v\n", c.File.Type, c.File.Machine, c.File.Class, c.File.Data)

	if info, err := c.ProcessInfo(); err == nil {
		fmt.Fprintf(out, "Process: %d (%s) ppid %d state %c uid %d gid %d\n", info.Pid, info.Fname, info.Ppid, info.State, info.Uid, info.Gid)
		if info.Args != "" {
			fmt.Fprintf(out, "Command line: %s\n", info.Args)
		}
	} else if !errors.Is(err, core.ErrNoteNotFound) {
		return err
	}
	if auxv, err := c.Auxv(); err == nil {
		if entry := linutil.EntryPointFromAuxv(auxv); entry != 0 {
			fmt.Fprintf(out, "Entry point: %#x\n", entry)
		}
	} else if !errors.Is(err, core.ErrNoteNotFound) {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintf(out, "\nNotes:\n")
	for _, n := range c.Notes {
		fmt.Fprintf(w, "  %s\t%s\t%d bytes\n", n.Name, noteTypeName(n), len(n.Desc))
	}
	w.Flush()

	threads, err := c.Threads()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nThreads:\n")
	for _, th := range threads {
		fmt.Fprintf(w, "  %d\tsignal %d\tpc %#x\tsp %#x", th.Pid, th.Signo, th.PC, th.SP)
		if th.FPRegs != nil && c.File.Machine == elf.EM_X86_64 {
			if fpregs, err := amd64util.ParseFpRegs(th.FPRegs); err == nil {
				fmt.Fprintf(w, "\tmxcsr %#x", fpregs.Mxcsr)
			}
		}
		if th.XState != nil && c.File.Machine == elf.EM_X86_64 {
			var xstate amd64util.AMD64Xstate
			if err := amd64util.AMD64XstateRead(th.XState, false, &xstate); err == nil {
				fmt.Fprintf(w, "\t%s", strings.Join(xstate.Features(), ","))
			}
		}
		fmt.Fprintf(w, "\n")
	}
	w.Flush()

	fmt.Fprintf(out, "\nSegments:\n")
	fmt.Fprintf(w, "  Vaddr\tMemsz\tFilesz\tFlags\n")
	for _, prog := range c.Segments() {
		fmt.Fprintf(w, "  %#x\t%#x\t%#x\t%v\n", prog.Vaddr, prog.Memsz, prog.Filesz, prog.Flags)
	}
	w.Flush()

	files, err := c.Files()
	if err != nil {
		if errors.Is(err, core.ErrNoteNotFound) {
			return nil
		}
		return err
	}
	fmt.Fprintf(out, "\nFiles:\n")
	for _, f := range files {
		fmt.Fprintf(w, "  %#x-%#x\t%#x\t%s\n", f.Start, f.End, f.Offset, f.Path)
	}
	return w.Flush()
}

func noteTypeName(n *core.Note) string {
	switch {
	case n.Name == "CORE" && n.Type == elf.NT_PRSTATUS:
		return "NT_PRSTATUS"
	case n.Name == "CORE" && n.Type == elf.NT_FPREGSET:
		return "NT_FPREGSET"
	case n.Name == "CORE" && n.Type == elf.NT_PRPSINFO:
		return "NT_PRPSINFO"
	case n.Name == "CORE" && n.Type == linutil.NT_AUXV:
		return "NT_AUXV"
	case n.Name == "CORE" && n.Type == linutil.NT_FILE:
		return "NT_FILE"
	case n.Name == "CORE" && n.Type == linutil.NT_SIGINFO:
		return "NT_SIGINFO"
	case n.Name == "LINUX" && n.Type == linutil.NT_X86_XSTATE:
		return "NT_X86_XSTATE"
	}
	return fmt.Sprintf("%#x", uint32(n.Type))
}

func configCmd(cmd *cobra.Command, args []string) error {
	if initConfig {
		path, err := config.CreateDefaultConfig()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "config file: %s\n", path)
	}
	conf, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := conf.ApplyEnv(envFile); err != nil {
		return err
	}
	out, err := yaml.Marshal(conf)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
