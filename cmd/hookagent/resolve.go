// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package main

import (
	"fmt"
	"io/ioutil"

	"github.com/ceiler/hookagent/internal/plog"
	"github.com/ceiler/hookagent/resolve"
	"github.com/ceiler/hookagent/target"
	"github.com/spf13/cobra"
)

type resolveFlags struct {
	owner, method, field string
	params               []string
	search               []string
	inOwners             []string
	inPackage            string
	many                 bool
}

func (f *resolveFlags) descriptor() target.Descriptor {
	var d target.Descriptor
	switch {
	case len(f.search) > 0:
		d = target.Search(f.search...)
	case f.field != "":
		d = target.Field(f.owner, f.field)
	default:
		d = target.Method(f.owner, f.method, f.params...)
	}
	if len(f.inOwners) > 0 {
		d = d.InOwners(f.inOwners...)
	}
	if f.inPackage != "" {
		d = d.InPackage(f.inPackage)
	}
	if f.many {
		d = d.ExpectMany()
	}
	return d
}

func newResolveCmd() *cobra.Command {
	var flags resolveFlags
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a target descriptor against the process image",
		Long: `Resolve a target descriptor against the process image and print the ` +
			`resolved targets, one per line. Exact descriptors are given by --owner ` +
			`and --method or --field, literal searches by --search.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := loadImage(cmd)
			if err != nil {
				return err
			}
			d := flags.descriptor()
			resolver := resolve.New(img, plog.NewLogger(plog.Disabled, ioutil.Discard, nil))

			var targets []*resolve.Target
			if d.ExpectsMany() {
				targets, err = resolver.ResolveAll(d)
			} else {
				var t *resolve.Target
				t, err = resolver.Resolve(d)
				targets = []*resolve.Target{t}
			}
			if err != nil {
				return err
			}
			for _, t := range targets {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.owner, "owner", "", "owner class of an exact descriptor")
	f.StringVar(&flags.method, "method", "", "method name of an exact descriptor")
	f.StringVar(&flags.field, "field", "", "field name of an exact descriptor")
	f.StringSliceVar(&flags.params, "params", nil, "parameter types of the method")
	f.StringSliceVarP(&flags.search, "search", "s", nil, "string literals the searched methods reference")
	f.StringSliceVar(&flags.inOwners, "in-owner", nil, "restrict the search to these owner classes")
	f.StringVar(&flags.inPackage, "in-package", "", "restrict the search to this package prefix")
	f.BoolVarP(&flags.many, "many", "m", false, "accept several matches")
	return cmd
}
