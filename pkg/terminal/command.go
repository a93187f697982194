// Package terminal implements functions for responding to user
// input and dispatching to the kernel inspection commands.
package terminal

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"

	"github.com/zeke-tools/kscope/pkg/target"
	"github.com/zeke-tools/kscope/pkg/walk"
)

type callContext struct {
	// out receives the command's output, it is only written to the
	// terminal if the command succeeds.
	out io.Writer
}

type cmdfunc func(t *Term, ctx callContext, args []string) error

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
	helpMsg        string
	cmdFn          cmdfunc

	// minArgs and maxArgs bound the number of arguments, a negative
	// maxArgs means no upper bound.
	minArgs, maxArgs int
	// rawArgs commands receive everything after the command name as a
	// single argument, expressions are not split on spaces.
	rawArgs bool
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands of the kscope terminal.
type Commands struct {
	cmds     []command
	complete *trie.Trie
}

// ArityError is returned when a command is called with the wrong number
// of arguments.
type ArityError struct {
	Cmd      string
	Min, Max int
	Got      int
}

func (err *ArityError) Error() string {
	switch {
	case err.Min == err.Max:
		return fmt.Sprintf("%q expects %d argument(s), got %d", err.Cmd, err.Min, err.Got)
	case err.Max < 0:
		return fmt.Sprintf("%q expects at least %d argument(s), got %d", err.Cmd, err.Min, err.Got)
	default:
		return fmt.Sprintf("%q expects %d to %d arguments, got %d", err.Cmd, err.Min, err.Max, err.Got)
	}
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

// KernelCommands returns a Commands struct with default commands defined.
func KernelCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, maxArgs: 1, rawArgs: true, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"print", "p"}, group: dataCmds, cmdFn: printVar, minArgs: 1, maxArgs: 1, rawArgs: true, helpMsg: `Evaluate an expression.

	print <expression>

Expressions are C expressions over the kernel's global variables: member
access with '.' and '->', indexing, '*' and '&', integer constants and casts
such as (struct proc_info *)0xc0123400. Records are printed with the
matching record printer, additional printers can be defined in the
configuration file.`},
		{aliases: []string{"whatis"}, group: dataCmds, cmdFn: whatisCommand, minArgs: 1, maxArgs: 1, rawArgs: true, helpMsg: `Prints type of an expression.

	whatis <expression>`},
		{aliases: []string{"examinemem", "x"}, group: dataCmds, cmdFn: examineMemoryCmd, minArgs: 1, maxArgs: 6, helpMsg: `Examine raw memory at the given address.

	examinemem [-fmt <format>] [-size <bytes>] <address> [<length>]

Format represents the data format and the value is one of this list (default hex): bin(binary), oct(octal), dec(decimal), hex(hexadecimal).
Size is the size in bytes of each printed unit, between 1 and 8 (default 1).
Length is the number of bytes read, it defaults to the dump-len configuration
parameter and can not exceed max-dump-len.

Address is an expression: if it evaluates to a pointer or an integer its
value is used, otherwise the address of the variable is dumped.

For example:

    x -fmt hex -size 4 _procarr 32
    x &act_maxproc`},
		{aliases: []string{"print-proc pid"}, group: kernelCmds, cmdFn: printProcPid, minArgs: 1, maxArgs: 1, helpMsg: `Print a process by PID.

	print-proc pid <pid>

The process is looked up in the process table (config proc-table); PIDs
outside [0, proc-max] are rejected. A free slot prints nothing.`},
		{aliases: []string{"print-proc list"}, group: kernelCmds, cmdFn: printProcList, helpMsg: `Print all the processes in the process table.

	print-proc list`},
		{aliases: []string{"print-proc tree"}, group: kernelCmds, cmdFn: printProcTree, maxArgs: 1, rawArgs: true, helpMsg: `Print the process tree.

	print-proc tree [<expression>]

The tree is rooted at the process 0 unless an expression evaluating to a
process is given.`},
		{aliases: []string{"print-thread tree"}, group: kernelCmds, cmdFn: printThreadTree, maxArgs: 1, rawArgs: true, helpMsg: `Print the thread tree.

	print-thread tree [<expression>]

The tree is rooted at the current thread (config thread-root) unless an
expression evaluating to a thread is given. Siblings of the root are
printed at the outermost level.`},
		{aliases: []string{"print-queue slist"}, group: kernelCmds, cmdFn: printQueue(walk.SList), minArgs: 2, maxArgs: 2, helpMsg: queueHelp("slist", "SLIST")},
		{aliases: []string{"print-queue list"}, group: kernelCmds, cmdFn: printQueue(walk.List), minArgs: 2, maxArgs: 2, helpMsg: queueHelp("list", "LIST")},
		{aliases: []string{"print-queue stailq"}, group: kernelCmds, cmdFn: printQueue(walk.STailQ), minArgs: 2, maxArgs: 2, helpMsg: queueHelp("stailq", "STAILQ")},
		{aliases: []string{"print-queue tailq"}, group: kernelCmds, cmdFn: printQueue(walk.TailQ), minArgs: 2, maxArgs: 2, helpMsg: queueHelp("tailq", "TAILQ")},
		{aliases: []string{"config"}, cmdFn: configureCmd, minArgs: 1, maxArgs: 3, helpMsg: `Changes configuration parameters.

	config -list

Show all configuration parameters.

	config -save

Saves the configuration file to disk, overwriting the current configuration file.

	config <parameter> <value>

Changes the value of a configuration parameter.

	config alias <command> <alias>
	config alias <alias>

Defines <alias> as an alias to <command> or removes an alias.`},
		{aliases: []string{"source"}, cmdFn: c.sourceCommand, minArgs: 1, maxArgs: 1, helpMsg: `Executes a file containing a list of kscope commands.

	source <path>

If path ends with the .star extension it will be interpreted as a starlark script. See the scripting documentation for the syntax.

If path is a single '-' character an interactive starlark interpreter will start instead. Type 'exit' to exit.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit the inspector.

	exit`},
	}

	sort.Sort(byFirstAlias(c.cmds))
	c.buildCompletions()
	return c
}

func queueHelp(kind, macro string) string {
	return fmt.Sprintf(`Print the records of a %s.

	print-queue %s <head> <field>

Head is an expression evaluating to a %s_HEAD (or a pointer to one) and
field is the name of the %s_ENTRY member linking the records together.`, macro, kind, macro, macro)
}

func (c *Commands) buildCompletions() {
	c.complete = trie.New()
	for _, cmd := range c.cmds {
		for _, alias := range cmd.aliases {
			c.complete.Add(alias, nil)
		}
	}
}

// Completions returns the command names starting with prefix.
func (c *Commands) Completions(prefix string) []string {
	r := c.complete.PrefixSearch(strings.ToLower(prefix))
	sort.Strings(r)
	return r
}

// Register custom commands. Expects cf to be a func of type cmdfunc,
// returning only an error. Custom commands receive the rest of the
// command line as their only argument.
func (c *Commands) Register(cmdstr string, cf cmdfunc, helpMsg string) {
	for i := range c.cmds {
		if c.cmds[i].match(cmdstr) {
			c.cmds[i].cmdFn = cf
			c.cmds[i].helpMsg = helpMsg
			c.cmds[i].minArgs, c.cmds[i].maxArgs, c.cmds[i].rawArgs = 0, 1, true
			return
		}
	}

	c.cmds = append(c.cmds, command{aliases: []string{cmdstr}, cmdFn: cf, helpMsg: helpMsg, maxArgs: 1, rawArgs: true})
	c.complete.Add(cmdstr, nil)
}

// find looks up the command named by the first one or two words of
// cmdstr, longest name first, and returns it with the rest of the line.
func (c *Commands) find(cmdstr string) (*command, string, error) {
	first, rest := cutWord(cmdstr)
	if second, rest2 := cutWord(rest); second != "" {
		if cmd := c.lookup(first + " " + second); cmd != nil {
			return cmd, rest2, nil
		}
	}
	if cmd := c.lookup(first); cmd != nil {
		return cmd, rest, nil
	}
	var subcmds []string
	for _, cmd := range c.cmds {
		for _, alias := range cmd.aliases {
			if strings.HasPrefix(alias, first+" ") {
				subcmds = append(subcmds, strings.TrimPrefix(alias, first+" "))
			}
		}
	}
	if len(subcmds) > 0 {
		sort.Strings(subcmds)
		return nil, "", fmt.Errorf("%s: expected one of %s", first, strings.Join(subcmds, ", "))
	}
	return nil, "", noCmdError
}

func (c *Commands) lookup(name string) *command {
	for i := range c.cmds {
		if c.cmds[i].match(name) {
			return &c.cmds[i]
		}
	}
	return nil
}

func cutWord(s string) (word, rest string) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i], strings.TrimSpace(s[i:])
	}
	return s, ""
}

// splitArgs tokenizes a command line using bash quoting rules.
func splitArgs(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	v, err := argv.Argv(s,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal command line '%s'", s)
	}
	return v[0], nil
}

// Call executes cmdstr, writing its output to the terminal.
func (c *Commands) Call(cmdstr string, t *Term) error {
	return c.call(cmdstr, t, t.stdout)
}

// call executes cmdstr. The output of the command is buffered and only
// written to out if the command succeeds, a command that stopped at the
// node limit writes what it produced followed by a warning.
func (c *Commands) call(cmdstr string, t *Term, out io.Writer) error {
	if strings.TrimSpace(cmdstr) == "" {
		return nil
	}
	cmd, rest, err := c.find(cmdstr)
	if err != nil {
		return err
	}
	var args []string
	if cmd.rawArgs {
		if rest != "" {
			args = []string{rest}
		}
	} else if args, err = splitArgs(rest); err != nil {
		return err
	}
	if len(args) < cmd.minArgs || (cmd.maxArgs >= 0 && len(args) > cmd.maxArgs) {
		return &ArityError{Cmd: cmd.aliases[0], Min: cmd.minArgs, Max: cmd.maxArgs, Got: len(args)}
	}

	t.log.Debugf("%s %q", cmd.aliases[0], args)
	var buf bytes.Buffer
	err = cmd.cmdFn(t, callContext{out: &buf}, args)
	var terr *walk.TruncatedError
	if errors.As(err, &terr) {
		fmt.Fprintf(&buf, "Warning: %v\n", terr)
		err = nil
	}
	if err != nil {
		return err
	}
	_, err = out.Write(buf.Bytes())
	return err
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
	c.buildCompletions()
}

var noCmdError = errors.New("command not available")

func (c *Commands) help(t *Term, ctx callContext, args []string) error {
	if len(args) > 0 {
		cmd, rest, err := c.find(args[0])
		if err != nil {
			return err
		}
		if rest != "" {
			return noCmdError
		}
		fmt.Fprintln(ctx.out, cmd.helpMsg)
		return nil
	}

	fmt.Fprintln(ctx.out, "The following commands are available:")

	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(ctx.out, "\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(ctx.out, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(ctx.out)
	fmt.Fprintln(ctx.out, "Type help followed by a command for full documentation.")
	return nil
}

func printVar(t *Term, ctx callContext, args []string) error {
	v, err := t.tgt.Eval(args[0])
	if err != nil {
		return err
	}
	s, err := t.registry.Format(v)
	if err != nil {
		return err
	}
	fmt.Fprintln(ctx.out, s)
	return nil
}

func whatisCommand(t *Term, ctx callContext, args []string) error {
	v, err := t.tgt.Eval(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(ctx.out, v.TypeString())
	if v.RealType != v.Type {
		fmt.Fprintf(ctx.out, "Real type: %s\n", v.RealType)
	}
	return nil
}

// evalInt evaluates expr as an integer.
func (t *Term) evalInt(expr string) (int64, error) {
	v, err := t.tgt.Eval(expr)
	if err != nil {
		return 0, err
	}
	return v.Int()
}

// procTable returns the process table, indexable by PID, and the highest
// valid PID.
func (t *Term) procTable() (*target.Value, int64, error) {
	s := t.conf.Settings()
	tbl, err := t.tgt.Eval(s.ProcTable)
	if err != nil {
		return nil, 0, err
	}
	if pt, isptr := tbl.RealType.(*target.PtrType); isptr {
		if _, isarr := target.ResolveTypedef(pt.Elem()).(*target.ArrayType); isarr {
			if tbl, err = tbl.Deref(); err != nil {
				return nil, 0, err
			}
		}
	}
	if tbl.IsNil() {
		return nil, 0, &target.NullDerefError{Expr: s.ProcTable}
	}
	max, err := t.evalInt(s.ProcMax)
	if err != nil {
		return nil, 0, err
	}
	return tbl, max, nil
}

// procEntry returns the process in slot pid of tbl, the null value for a
// free slot.
func procEntry(tbl *target.Value, pid int64) (*target.Value, error) {
	slot, err := tbl.Index(pid)
	if err != nil {
		return nil, err
	}
	return slot.Deref()
}

func (t *Term) printRecord(out io.Writer, rec *target.Value) error {
	s, err := t.registry.Format(rec)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "((%s *)%#x)%s\n", rec.TypeString(), rec.Addr, s)
	return nil
}

func printProcPid(t *Term, ctx callContext, args []string) error {
	pid, err := t.evalInt(args[0])
	if err != nil {
		return err
	}
	tbl, max, err := t.procTable()
	if err != nil {
		return err
	}
	if pid < 0 || pid > max {
		return &target.IndexOutOfRangeError{Expr: t.conf.Settings().ProcTable, Index: pid, Max: max}
	}
	p, err := procEntry(tbl, pid)
	if err != nil {
		return err
	}
	if p.IsNil() {
		return nil
	}
	return t.printRecord(ctx.out, p)
}

func printProcList(t *Term, ctx callContext, args []string) error {
	tbl, max, err := t.procTable()
	if err != nil {
		return err
	}
	limit := int64(t.walkOptions().Limit())
	for pid := int64(0); pid <= max; pid++ {
		if limit > 0 && pid >= limit {
			return &walk.TruncatedError{Limit: int(limit)}
		}
		p, err := procEntry(tbl, pid)
		if err != nil {
			return err
		}
		if p.IsNil() {
			continue
		}
		if err := t.printRecord(ctx.out, p); err != nil {
			return err
		}
	}
	return nil
}

func printProcTree(t *Term, ctx callContext, args []string) error {
	var root *target.Value
	if len(args) > 0 {
		var err error
		if root, err = t.tgt.Eval(args[0]); err != nil {
			return err
		}
	} else {
		tbl, _, err := t.procTable()
		if err != nil {
			return err
		}
		if root, err = procEntry(tbl, 0); err != nil {
			return err
		}
	}
	return walk.RenderTree(ctx.out, root, walk.ProcessTree, walk.ProcessTreeStyle, t.walkOptions())
}

func printThreadTree(t *Term, ctx callContext, args []string) error {
	s := t.conf.Settings()
	expr := s.ThreadRoot
	if len(args) > 0 {
		expr = args[0]
	}
	root, err := t.tgt.Eval(expr)
	if err != nil {
		return err
	}
	style := walk.ThreadTreeStyle
	style.Close = s.TreeCloseDepth
	return walk.RenderTree(ctx.out, root, walk.ThreadTree, style, t.walkOptions())
}

func printQueue(shape walk.ListShape) cmdfunc {
	return func(t *Term, ctx callContext, args []string) error {
		head, err := t.tgt.Eval(args[0])
		if err != nil {
			return err
		}
		nodes, werr := walk.Nodes(head, shape, args[1], t.walkOptions())
		var terr *walk.TruncatedError
		if werr != nil && !errors.As(werr, &terr) {
			return werr
		}
		for _, n := range nodes {
			if err := t.printRecord(ctx.out, n); err != nil {
				return err
			}
		}
		return werr
	}
}

func examineMemoryCmd(t *Term, ctx callContext, args []string) error {
	var (
		address  uint64
		haveAddr bool
		err      error
		ok       bool
	)

	// Default value
	s := t.conf.Settings()
	priFmt := byte('x')
	count := s.DumpLen
	size := 1

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-fmt":
			i++
			if i >= len(args) {
				return fmt.Errorf("expected argument after -fmt")
			}
			fmtMapToPriFmt := map[string]byte{
				"oct":         'o',
				"octal":       'o',
				"hex":         'x',
				"hexadecimal": 'x',
				"dec":         'd',
				"decimal":     'd',
				"bin":         'b',
				"binary":      'b',
			}
			priFmt, ok = fmtMapToPriFmt[args[i]]
			if !ok {
				return fmt.Errorf("%q is not a valid format", args[i])
			}
		case "-size":
			i++
			if i >= len(args) {
				return fmt.Errorf("expected argument after -size")
			}
			size, err = strconv.Atoi(args[i])
			if err != nil || size <= 0 || size > 8 {
				return fmt.Errorf("size must be a positive integer (<=8)")
			}
		default:
			if haveAddr {
				if i != len(args)-1 {
					return fmt.Errorf("unknown option %q", args[i])
				}
				count, err = strconv.Atoi(args[i])
				if err != nil || count <= 0 {
					return fmt.Errorf("length must be a positive integer")
				}
				continue
			}
			address, err = t.evalAddress(args[i])
			if err != nil {
				return err
			}
			haveAddr = true
		}
	}

	if !haveAddr {
		return fmt.Errorf("no address specified")
	}
	if count > s.MaxDumpLen {
		return fmt.Errorf("read memory range must be less than or equal to %d bytes (see config max-dump-len)", s.MaxDumpLen)
	}
	count -= count % size
	if count == 0 {
		count = size
	}

	mem, err := t.tgt.ReadMemory(address, count)
	if err != nil {
		return err
	}
	fmt.Fprint(ctx.out, prettyExamineMemory(address, mem, t.tgt.BinInfo.ByteOrder, priFmt, size))
	return nil
}

// evalAddress evaluates the address argument of examinemem.
func (t *Term) evalAddress(expr string) (uint64, error) {
	v, err := t.tgt.Eval(expr)
	if err != nil {
		return 0, err
	}
	switch v.RealType.(type) {
	case *target.PtrType:
		return v.Pointer()
	case *target.IntType, *target.CharType, *target.EnumType:
		return v.Uint()
	}
	if v.IsNil() {
		return 0, &target.NullDerefError{Expr: v.Name}
	}
	if v.Addr == 0 {
		return 0, fmt.Errorf("%s has no address", v.Name)
	}
	return v.Addr, nil
}

func (c *Commands) sourceCommand(t *Term, ctx callContext, args []string) error {
	if args[0] == "-" {
		return t.starlarkEnv.REPL()
	}

	if filepath.Ext(args[0]) == ".star" {
		_, err := t.starlarkEnv.Execute(args[0], nil, "main", nil)
		return err
	}

	return c.executeFile(t, ctx.out, args[0])
}

func (c *Commands) executeFile(t *Term, out io.Writer, name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineno++

		if line == "" || line[0] == '#' {
			continue
		}

		if err := c.call(line, t, out); err != nil {
			if _, isExitRequest := err.(ExitRequestError); isExitRequest {
				return err
			}
			fmt.Fprintf(out, "%s:%d: %v\n", name, lineno, err)
		}
	}

	return scanner.Err()
}

// ExitRequestError is returned when the user
// exits kscope.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, ctx callContext, args []string) error {
	return ExitRequestError{}
}
