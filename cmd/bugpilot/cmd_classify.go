// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/bugpilot/services/datatypes"
	"github.com/AleutianAI/bugpilot/services/instrument/classify"
	"github.com/AleutianAI/bugpilot/services/instrument/config"
)

// classification is one row of classify output.
type classification struct {
	Path        string             `json:"path"`
	Flags       classify.PathFlags `json:"flags"`
	PrimaryKind datatypes.Kind     `json:"primary_kind"`
	Kinds       []datatypes.Kind   `json:"kinds"`
	Rules       []datatypes.Kind   `json:"rules"`
}

func newClassifyCmd(g *globalOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "classify <path>...",
		Short: "Show the roles and loader rules of module paths",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := g.logger(cmd)
			cfg, err := g.loadConfig(logger)
			if err != nil {
				return err
			}
			build, err := g.buildInfo()
			if err != nil {
				return err
			}
			rules := config.BuildRules(cfg, build)
			host := config.HostConfig{Rules: rules}
			classifier := cfg.Classifier()

			rows := lo.Map(args, func(p string, _ int) classification {
				rel := classify.NormalizePath(build.ProjectRoot, p)
				flags := classifier.Classify(rel)
				return classification{
					Path:        rel,
					Flags:       flags,
					PrimaryKind: flags.PrimaryKind(),
					Kinds:       flags.Kinds(),
					Rules: lo.Map(host.Match(rel), func(r config.LoaderRule, _ int) datatypes.Kind {
						return r.Kind
					}),
				}
			})

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}
			for _, r := range rows {
				rules := "-"
				if len(r.Rules) > 0 {
					rules = strings.Join(lo.Map(r.Rules, func(k datatypes.Kind, _ int) string { return k.String() }), ",")
				}
				fmt.Fprintf(out, "%s\tprimary=%s\trules=%s\n", r.Path, r.PrimaryKind, rules)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}
