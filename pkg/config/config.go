package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = "elfcore"
	configFile string = "config.yml"
)

// NoteSpec describes a custom note whose descriptor is the contents of a
// file.
type NoteSpec struct {
	// Name is the owner name of the note, for example "TEST".
	Name string `yaml:"name"`
	// Type is the note type.
	Type uint32 `yaml:"type"`
	// Path is the file the descriptor is read from.
	Path string `yaml:"path"`
}

func (n NoteSpec) String() string {
	return fmt.Sprintf("%s:%d:%s", n.Name, n.Type, n.Path)
}

// ParseNoteSpec parses a note in the form name:type:path. The path may
// contain colons.
func ParseNoteSpec(s string) (NoteSpec, error) {
	fields := strings.SplitN(s, ":", 3)
	if len(fields) != 3 {
		return NoteSpec{}, fmt.Errorf("malformed note %q, expected name:type:path", s)
	}
	typ, err := strconv.ParseUint(fields[1], 0, 32)
	if err != nil {
		return NoteSpec{}, fmt.Errorf("malformed note %q: bad type: %v", s, err)
	}
	n := NoteSpec{Name: fields[0], Type: uint32(typ), Path: fields[2]}
	return n, n.validate()
}

func (n NoteSpec) validate() error {
	switch {
	case n.Name == "":
		return fmt.Errorf("note %v: empty name", n)
	case strings.IndexByte(n.Name, 0) >= 0:
		return fmt.Errorf("note %q: name contains a NUL byte", n.Name)
	case n.Path == "":
		return fmt.Errorf("note %v: empty path", n)
	}
	return nil
}

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// ChunkSize is the size of the buffer used to copy memory from the
	// target, zero means the default.
	ChunkSize int `yaml:"chunk-size,omitempty"`

	// If Compress is true core files are compressed with zstd.
	Compress bool `yaml:"compress"`

	// If UseCoredumpFilter is true mappings excluded by
	// /proc/<pid>/coredump_filter are written without contents.
	UseCoredumpFilter bool `yaml:"use-coredump-filter"`

	// Notes are added to every core file.
	Notes []NoteSpec `yaml:"notes"`

	// LogOutput is the list of components that produce debug output, in
	// the format accepted by --log-output.
	LogOutput string `yaml:"log-output,omitempty"`
}

// Validate checks the values of the configuration.
func (c *Config) Validate() error {
	if c.ChunkSize < 0 {
		return fmt.Errorf("invalid chunk-size %d", c.ChunkSize)
	}
	for _, n := range c.Notes {
		if err := n.validate(); err != nil {
			return err
		}
	}
	return nil
}

// LoadConfig populates a Config object from the config file at path, or
// from the default location if path is empty. A missing file at the
// default location is not an error, the zero Config is returned.
func LoadConfig(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		var err error
		path, err = GetConfigFilePath(configFile)
		if err != nil {
			return &Config{}, nil
		}
	}

	f, err := os.Open(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unable to decode config file %s: %v", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %v", path, err)
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct to path.
func SaveConfig(conf *Config, path string) error {
	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

// CreateDefaultConfig writes the default config file to the default
// location, unless one already exists, and returns its path.
func CreateDefaultConfig() (string, error) {
	if err := createConfigPath(); err != nil {
		return "", fmt.Errorf("could not create config directory: %v", err)
	}
	path, err := GetConfigFilePath(configFile)
	if err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return path, nil
		}
		return "", fmt.Errorf("unable to create config file: %v", err)
	}
	defer f.Close()
	if err := WriteDefaultConfig(f); err != nil {
		return "", fmt.Errorf("unable to write default configuration: %v", err)
	}
	return path, nil
}

// WriteDefaultConfig writes the default configuration file, with every
// option disabled, to w.
func WriteDefaultConfig(w io.Writer) error {
	_, err := io.WriteString(w,
		`# Configuration file for elfcore.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Size of the buffer used to copy memory from the target process.
# chunk-size: 1048576

# Compress core files with zstd.
# compress: true

# Honor /proc/<pid>/coredump_filter like the kernel does.
# use-coredump-filter: true

# Notes added to every core file, the descriptor is the contents of path.
notes:
  # - {name: TEST, type: 100, path: /etc/hostname}

# Components that produce debug output, see --log-output.
# log-output: core,native
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0o700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return "", err
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, configDir, file), nil
}
