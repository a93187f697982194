package starbind

// Code in this file is derived from go.starlark.net/repl/repl.go
// Which is licensed under the following copyright:
//
// Copyright (c) 2017 The Bazel Authors.  All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are
// met:
//
// 1. Redistributions of source code must retain the above copyright
//    notice, this list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright
//    notice, this list of conditions and the following disclaimer in the
//    documentation and/or other materials provided with the
//    distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
//    contributors may be used to endorse or promote products derived
//    from this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS
// "AS IS" AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT
// LIMITED TO, THE IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR
// A PARTICULAR PURPOSE ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT
// HOLDER OR CONTRIBUTORS BE LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL,
// SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT
// LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR SERVICES; LOSS OF USE,
// DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER CAUSED AND ON ANY
// THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT
// (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/go-delve/liner"
)

// lineReader is the part of *liner.State used by the REPL.
type lineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
}

// REPL reads starlark statements from the terminal and executes them until
// "exit" or the end of input. Commands and capitalized globals defined in
// the session are kept once it ends.
func (env *Env) REPL() error {
	rl := liner.NewLiner()
	defer rl.Close()
	rl.SetCtrlCAborts(true)
	return env.repl(rl)
}

func (env *Env) repl(rl lineReader) error {
	thread := env.newThread()
	globals := make(starlark.StringDict, len(env.env))
	for name, v := range env.env {
		globals[name] = v
	}
	for {
		if err := isCancelled(thread); err != nil {
			return err
		}
		f, parseErr, err := readStmt(rl)
		if err == io.EOF {
			break
		}
		if errors.Is(err, liner.ErrPromptAborted) {
			continue
		}
		if err != nil {
			return err
		}
		if parseErr != nil {
			env.printError(parseErr)
			continue
		}
		env.evalStmt(thread, f, globals)
	}
	fmt.Fprintln(env.out)
	return env.exportGlobals(globals)
}

// readStmt reads one compound statement, prompting for continuation lines
// until it is complete. Errors reading the terminal are returned in err,
// syntax errors in parseErr.
func readStmt(rl lineReader) (f *syntax.File, parseErr, err error) {
	prompt := ">>> "
	f, parseErr = syntax.ParseCompoundStmt("<stdin>", func() ([]byte, error) {
		line, rerr := rl.Prompt(prompt)
		if rerr == nil && strings.TrimSpace(line) == "exit" {
			rerr = io.EOF
		}
		if rerr != nil {
			err = rerr
			return nil, rerr
		}
		rl.AppendHistory(line)
		prompt = "... "
		return []byte(line + "\n"), nil
	})
	if err != nil {
		return nil, nil, err
	}
	return f, parseErr, nil
}

// evalStmt executes f. The value of a statement made of a single
// expression other than None is printed. Errors are printed.
func (env *Env) evalStmt(thread *starlark.Thread, f *syntax.File, globals starlark.StringDict) {
	if len(f.Stmts) == 1 {
		if stmt, ok := f.Stmts[0].(*syntax.ExprStmt); ok {
			v, err := starlark.EvalExpr(thread, stmt.X, globals)
			if err != nil {
				env.printError(err)
			} else if v != starlark.None {
				fmt.Fprintln(env.out, v)
			}
			return
		}
	}
	prog, err := starlark.FileProgram(f, globals.Has)
	if err != nil {
		env.printError(err)
		return
	}
	res, err := prog.Init(thread, globals)
	if err != nil {
		env.printError(err)
	}
	// Globals are not frozen, a failed statement keeps what it assigned.
	for name, v := range res {
		globals[name] = v
	}
}

func (env *Env) printError(err error) {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		fmt.Fprintln(env.out, evalErr.Backtrace())
		return
	}
	fmt.Fprintln(env.out, err)
}

// makeLoad returns the loader of the load statement. Loaded files see the
// kscope builtins and are executed once; a file loading itself, directly or
// not, is an error.
func (env *Env) makeLoad() func(thread *starlark.Thread, module string) (starlark.StringDict, error) {
	type entry struct {
		globals starlark.StringDict
		err     error
	}
	cache := make(map[string]*entry)
	return func(thread *starlark.Thread, module string) (starlark.StringDict, error) {
		e, ok := cache[module]
		if ok && e == nil {
			return nil, fmt.Errorf("cycle in load graph at %s", module)
		}
		if e == nil {
			cache[module] = nil
			lthread := &starlark.Thread{Name: "load " + module, Print: thread.Print, Load: thread.Load}
			if ctx := thread.Local(kscopeContextName); ctx != nil {
				lthread.SetLocal(kscopeContextName, ctx)
			}
			globals, err := starlark.ExecFile(lthread, module, nil, env.env)
			e = &entry{globals, err}
			cache[module] = e
		}
		return e.globals, e.err
	}
}
