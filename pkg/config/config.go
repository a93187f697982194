// Package config loads and saves the kscope configuration file.
package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

const (
	configDir    string = ".kscope"
	configDirXdg string = "kscope"
	configFile   string = "config.yml"
)

// Named defaults for the optional configuration values.
const (
	DefaultMaxNodes       = 10000
	DefaultDumpLen        = 64
	DefaultMaxDumpLen     = 1000
	DefaultTreeCloseDepth = 3
	DefaultProcTable      = "_procarr"
	DefaultProcMax        = "act_maxproc"
	DefaultThreadRoot     = "current_thread"
)

// PrinterField describes one "label: value" entry of a user defined printer.
type PrinterField struct {
	Label string `yaml:"label"`
	// Paths are field paths relative to the record, for example
	// "inh.parent->pid". Multiple paths are printed separated by '/'.
	Paths []string `yaml:"paths"`
	// Kind is one of "", "string", "bitset" or "queue".
	Kind string `yaml:"kind,omitempty"`
	// Queue is the list shape (slist, list, stailq, tailq) when Kind is "queue".
	Queue string `yaml:"queue,omitempty"`
	// Entry is the name of the link field inside the queued records.
	Entry string `yaml:"entry,omitempty"`
}

// PrinterConfig is a user defined record printer.
type PrinterConfig struct {
	Name    string         `yaml:"name"`
	Pattern string         `yaml:"pattern"`
	Fields  []PrinterField `yaml:"fields"`
}

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`

	// MaxNodes is the maximum number of nodes visited by a single list or
	// tree traversal.
	MaxNodes *int `yaml:"max-nodes,omitempty"`
	// DumpLen is the number of bytes printed by examinemem when no length
	// is specified.
	DumpLen *int `yaml:"dump-len,omitempty"`
	// MaxDumpLen is the maximum number of bytes examinemem will read.
	MaxDumpLen *int `yaml:"max-dump-len,omitempty"`
	// TreeCloseDepth is the depth at which thread trees start emitting a
	// closing '|' line after the last sibling. A negative value disables it.
	TreeCloseDepth *int `yaml:"tree-close-depth,omitempty"`

	// ProcTable is the expression of the process table, a pointer to an
	// array of process pointers.
	ProcTable string `yaml:"proc-table,omitempty"`
	// ProcMax is the expression of the highest valid process table index.
	ProcMax string `yaml:"proc-max,omitempty"`
	// ThreadRoot is the default root of print-thread tree.
	ThreadRoot string `yaml:"thread-root,omitempty"`

	// Printers are registered after the built-in record printers.
	Printers []PrinterConfig `yaml:"printers,omitempty"`
}

// Settings is Config with every default applied.
type Settings struct {
	MaxNodes       int
	DumpLen        int
	MaxDumpLen     int
	TreeCloseDepth int
	ProcTable      string
	ProcMax        string
	ThreadRoot     string
}

// Settings returns the configuration values, substituting the named
// defaults for the ones that are not set.
func (c *Config) Settings() Settings {
	s := Settings{
		MaxNodes:       DefaultMaxNodes,
		DumpLen:        DefaultDumpLen,
		MaxDumpLen:     DefaultMaxDumpLen,
		TreeCloseDepth: DefaultTreeCloseDepth,
		ProcTable:      DefaultProcTable,
		ProcMax:        DefaultProcMax,
		ThreadRoot:     DefaultThreadRoot,
	}
	if c == nil {
		return s
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setInt(&s.MaxNodes, c.MaxNodes)
	setInt(&s.DumpLen, c.DumpLen)
	setInt(&s.MaxDumpLen, c.MaxDumpLen)
	setInt(&s.TreeCloseDepth, c.TreeCloseDepth)
	setString := func(dst *string, src string) {
		if src != "" {
			*dst = src
		}
	}
	setString(&s.ProcTable, c.ProcTable)
	setString(&s.ProcMax, c.ProcMax)
	setString(&s.ThreadRoot, c.ThreadRoot)
	return s
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() (*Config, error) {
	err := createConfigPath()
	if err != nil {
		return &Config{}, fmt.Errorf("could not create config directory: %v", err)
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to get config file path: %v", err)
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			return &Config{}, fmt.Errorf("error creating default config file: %v", err)
		}
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to decode config file: %v", err)
	}

	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for kscope.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# Maximum number of nodes visited by a single list or tree traversal.
# max-nodes: 10000

# Number of bytes printed by examinemem when no length is given, and the
# maximum it will read.
# dump-len: 64
# max-dump-len: 1000

# Depth at which print-thread tree closes a run of siblings with a '|' line.
# Set to -1 to disable.
# tree-close-depth: 3

# Kernel symbols used as roots by the print-proc and print-thread commands.
# proc-table: _procarr
# proc-max: act_maxproc
# thread-root: current_thread

# Additional record printers.
# printers:
#   - name: vnode
#     pattern: ^vnode$
#     fields:
#       - {label: num, paths: [vn_num]}
#       - {label: refcount, paths: [vn_refcount]}
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if configPath := os.Getenv("XDG_CONFIG_HOME"); configPath != "" {
		return filepath.Join(configPath, configDirXdg, file), nil
	}

	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return filepath.Join(userHomeDir, configDir, file), nil
}
