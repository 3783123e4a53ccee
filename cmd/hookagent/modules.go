// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ceiler/hookagent/agent"
	"github.com/ceiler/hookagent/internal/config"
	"github.com/ceiler/hookagent/internal/hklib/hkerrors"
	"github.com/ceiler/hookagent/module"
	"github.com/spf13/cobra"
)

type modulesFlags struct {
	scripts  string
	config   string
	process  string
	logLevel string
	settings map[string]string
}

func (f *modulesFlags) readConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if f.config == "" {
		cfg, err = config.NewFromReader(strings.NewReader("{}"), "yaml")
	} else {
		var file *os.File
		file, err = os.Open(f.config)
		if err != nil {
			return nil, hkerrors.Wrap(err, "could not open the configuration file")
		}
		defer file.Close()
		cfg, err = config.NewFromReader(file, strings.TrimPrefix(filepath.Ext(f.config), "."))
	}
	if err != nil {
		return nil, err
	}
	cfg.Set("scripts", f.scripts)
	cfg.Set("log_level", f.logLevel)
	for k, v := range f.settings {
		cfg.Set(k, v)
	}
	return cfg, nil
}

func newModulesCmd() *cobra.Command {
	var flags modulesFlags
	cmd := &cobra.Command{
		Use:   "modules",
		Short: "Activate script modules against the process image",
		Long: `Activate the script modules against the process image and print the ` +
			`state each module ends up in. Module settings such as enablement keys ` +
			`and options are read from the configuration file and --set flags.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := loadImage(cmd)
			if err != nil {
				return err
			}
			cfg, err := flags.readConfig()
			if err != nil {
				return err
			}
			a, err := agent.New(agent.Options{
				Image:     img,
				Process:   flags.process,
				Config:    cfg,
				LogOutput: cmd.ErrOrStderr(),
			})
			if err != nil {
				return err
			}
			if a == nil {
				return hkerrors.New("agent disabled by the configuration")
			}
			if err := a.Activate(); err != nil {
				return err
			}

			var failed int
			for _, s := range a.Report() {
				if s.State == module.Failed {
					failed++
				}
				fmt.Fprintln(cmd.OutOrStdout(), s)
			}
			if failed > 0 {
				return hkerrors.Errorf("%d modules failed", failed)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.scripts, "scripts", "", "script module file")
	_ = cmd.MarkFlagRequired("scripts")
	f.StringVarP(&flags.config, "config", "c", "", "configuration file")
	f.StringVarP(&flags.process, "process", "p", "", "name of the host process")
	f.StringVar(&flags.logLevel, "log-level", "error", "log level of the agent")
	f.StringToStringVar(&flags.settings, "set", nil, "configuration settings as key=value pairs")
	return cmd
}
