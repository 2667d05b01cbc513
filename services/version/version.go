// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package version exposes the plugin version.
//
// The value is substituted at link time:
//
//	go build -ldflags "-X github.com/AleutianAI/bugpilot/services/version.Version=1.4.2"
package version

import (
	"strings"

	"golang.org/x/mod/semver"
)

// Version is the plugin package version. Overridden with -ldflags.
var Version = "0.0.0-dev"

// Current returns the plugin version without a leading "v".
//
// Falls back to "0.0.0-dev" when the linked value is not a semantic version.
func Current() string {
	return normalize(Version)
}

// UserAgent returns the User-Agent sent with error reports.
func UserAgent() string {
	return "Bugpilot/Next.js v" + Current()
}

func normalize(v string) string {
	canonical := "v" + strings.TrimPrefix(strings.TrimSpace(v), "v")
	if !semver.IsValid(canonical) {
		return "0.0.0-dev"
	}
	return strings.TrimPrefix(canonical, "v")
}
