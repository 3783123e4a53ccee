// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package main

import (
	"github.com/ceiler/hookagent/agent"
	"github.com/ceiler/hookagent/image"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "hookagent",
		Short:   "Resolve hook targets and check hook modules against a process image.",
		Version: agent.Version,
		Long: `Resolve hook targets and check hook modules against a process image. ` +
			`The process image is read from a class manifest file describing the ` +
			`classes of the host process, their methods, fields and string literals.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("image", "i", "", "class manifest file of the process image")
	_ = root.MarkPersistentFlagRequired("image")
	root.AddCommand(newResolveCmd(), newModulesCmd())
	return root
}

func loadImage(cmd *cobra.Command) (*image.Image, error) {
	path, err := cmd.Flags().GetString("image")
	if err != nil {
		return nil, err
	}
	return image.LoadManifestFile(path)
}
