package terminal

type commandGroup uint8

const (
	otherCmds commandGroup = iota
	dataCmds
	kernelCmds
)

type commandGroupDescription struct {
	description string
	group       commandGroup
}

var commandGroupDescriptions = []commandGroupDescription{
	{"Viewing kernel variables and memory", dataCmds},
	{"Walking kernel data structures", kernelCmds},
	{"Other commands", otherCmds},
}
