package terminal

import (
	"github.com/zeke-tools/kscope/pkg/target"
	"github.com/zeke-tools/kscope/pkg/terminal/starbind"
	"github.com/zeke-tools/kscope/pkg/walk"
)

type starlarkContext struct {
	term *Term
}

var _ starbind.Context = starlarkContext{}

func (ctx starlarkContext) Target() *target.Target {
	return ctx.term.tgt
}

func (ctx starlarkContext) FormatRecord(v *target.Value) (string, error) {
	return ctx.term.registry.FormatRecord(v)
}

func (ctx starlarkContext) WalkOptions() walk.Options {
	return ctx.term.walkOptions()
}

func (ctx starlarkContext) RegisterCommand(name, helpMsg string, fn func(args string) error) {
	cmdfn := func(t *Term, ctx callContext, args []string) error {
		var argstr string
		if len(args) > 0 {
			argstr = args[0]
		}
		return fn(argstr)
	}
	ctx.term.cmds.Register(name, cmdfn, helpMsg)
}

func (ctx starlarkContext) CallCommand(cmdstr string) error {
	return ctx.term.cmds.Call(cmdstr, ctx.term)
}
