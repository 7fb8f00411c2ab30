package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variables overriding the config file.
const (
	EnvChunkSize         = "ELFCORE_CHUNK_SIZE"
	EnvCompress          = "ELFCORE_COMPRESS"
	EnvUseCoredumpFilter = "ELFCORE_USE_COREDUMP_FILTER"
	EnvLogOutput         = "ELFCORE_LOG_OUTPUT"

	// EnvNotes is a space separated list of name:type:path notes, single
	// quotes can be used around paths containing spaces.
	EnvNotes = "ELFCORE_NOTES"
)

// ApplyEnv overrides the values of c with the ELFCORE_* environment
// variables. If envFile is not empty it is read as a dotenv file, its
// variables are used when the environment does not define them.
func (c *Config) ApplyEnv(envFile string) error {
	var fileVars map[string]string
	if envFile != "" {
		var err error
		fileVars, err = godotenv.Read(envFile)
		if err != nil {
			return fmt.Errorf("reading env file %s: %v", envFile, err)
		}
	}
	return c.applyEnv(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileVars[key]
		return v, ok
	})
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvChunkSize); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %v", EnvChunkSize, err)
		}
		c.ChunkSize = n
	}
	for _, b := range []struct {
		key string
		dst *bool
	}{
		{EnvCompress, &c.Compress},
		{EnvUseCoredumpFilter, &c.UseCoredumpFilter},
	} {
		v, ok := lookup(b.key)
		if !ok || v == "" {
			continue
		}
		val, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %v", b.key, err)
		}
		*b.dst = val
	}
	if v, ok := lookup(EnvLogOutput); ok {
		c.LogOutput = v
	}
	if v, ok := lookup(EnvNotes); ok {
		for _, field := range SplitQuotedFields(v, '\'') {
			n, err := ParseNoteSpec(field)
			if err != nil {
				return fmt.Errorf("%s: %v", EnvNotes, err)
			}
			c.Notes = append(c.Notes, n)
		}
	}
	return c.Validate()
}
