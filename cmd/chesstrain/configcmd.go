package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/lox/chesstrain/internal/config"
)

// ConfigCmd groups configuration-file utilities.
type ConfigCmd struct {
	Validate ConfigValidateCmd `cmd:"" help:"Validate a configuration file"`
	Create   ConfigCreateCmd   `cmd:"" help:"Write a configuration file seeded with defaults"`
	Show     ConfigShowCmd     `cmd:"" help:"Print the effective configuration"`
}

// ConfigValidateCmd loads a configuration file and reports whether it
// passes validation.
type ConfigValidateCmd struct {
	File string `kong:"required,arg,help='Path to an HCL training configuration file'"`
}

func (c *ConfigValidateCmd) Run() error {
	cfg, err := config.Load(c.File)
	if err != nil {
		return fmt.Errorf("config: load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("invalid: %v\n", err)
		return err
	}
	fmt.Println("valid")
	return nil
}

// ConfigCreateCmd writes a new configuration file, starting from
// documented defaults and applying any TrainingFlags overrides given.
type ConfigCreateCmd struct {
	File string `kong:"required,arg,help='Path to write the HCL configuration file to'"`
	TrainingFlags
}

func (c *ConfigCreateCmd) Run() error {
	cfg := config.Default()
	if err := c.TrainingFlags.ApplyTo(&cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := config.Save(c.File, cfg); err != nil {
		return fmt.Errorf("config: save: %w", err)
	}
	fmt.Printf("wrote %s\n", c.File)
	return nil
}

// ConfigShowCmd prints the effective configuration for a file (or the
// documented defaults, if no file is given) as structured JSON.
type ConfigShowCmd struct {
	File string `kong:"optional,arg,help='Path to an HCL training configuration file (defaults if omitted)'"`
}

func (c *ConfigShowCmd) Run() error {
	cfg := config.Default()
	if c.File != "" {
		var err error
		cfg, err = config.Load(c.File)
		if err != nil {
			return fmt.Errorf("config: load: %w", err)
		}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}
