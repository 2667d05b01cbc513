// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package client

import (
	"context"
	"errors"
	"log/slog"
	"net/url"

	"github.com/AleutianAI/bugpilot/services/capture"
	"github.com/AleutianAI/bugpilot/services/datatypes"
	"github.com/AleutianAI/bugpilot/services/version"
)

const (
	// ScriptHost serves the workspace scripts.
	ScriptHost = "https://script.bugpilot.io"

	// ScriptFilename is the bridge script name.
	ScriptFilename = "adopto.js"

	// ScriptElementID marks the injected script so it is added only once.
	ScriptElementID = "bugpilot-script"

	scriptSource = "bugpilot-next"
)

// ErrMissingWorkspace is returned by Mount without a workspace id.
var ErrMissingWorkspace = errors.New("missing workspaceId")

// Script describes the element injected into the page.
type Script struct {
	ID    string
	Src   string
	Async bool
	Defer bool
}

// Document is the page the script is injected into.
type Document interface {
	// HasElement reports whether an element with id exists.
	HasElement(id string) bool

	// AppendScript adds s to the body. onLoad receives nil on success and
	// the load error otherwise; it may be called asynchronously.
	AppendScript(s Script, onLoad func(error)) error
}

// ScriptURL returns the bridge script URL for a workspace.
func ScriptURL(workspaceID, packageVersion string) string {
	return ScriptHost + "/" + url.PathEscape(workspaceID) + "/" + ScriptFilename +
		"?source=" + url.QueryEscape(scriptSource) +
		"&packageVersion=" + url.QueryEscape(packageVersion)
}

func scriptVersion() string {
	return version.Current()
}

// MountResult says what Mount did.
type MountResult string

const (
	MountInjected MountResult = "injected"
	MountPresent  MountResult = "already-present"
	MountDisabled MountResult = "disabled"
	MountSkipped  MountResult = "skipped"
)

// Mount injects the bridge script into the document.
//
// Description:
//
//	Missing workspace id logs an error; disabled logs a warning; an
//	already present marker element logs at debug, since mounting twice is
//	expected in development. A load failure is logged as a warning when
//	the document reports it. Mount never panics.
//
// Outputs:
//
//	MountResult - What happened.
//	error - ErrMissingWorkspace, or the document's append error.
func (c *Client) Mount(workspaceID string, enabled bool) (MountResult, error) {
	if c.document == nil {
		return MountSkipped, nil
	}
	if workspaceID == "" {
		c.logger.Error("Missing workspaceId prop on <Bugpilot />. Please provide a `workspaceId` prop.")
		return MountSkipped, ErrMissingWorkspace
	}
	if !enabled {
		c.logger.Warn("Bugpilot is disabled because you passed enabled={false} to the context provider.")
		return MountDisabled, nil
	}
	if c.document.HasElement(ScriptElementID) {
		c.logger.Debug("Bugpilot script already loaded.")
		return MountPresent, nil
	}

	src := ScriptURL(workspaceID, c.version)
	c.logger.Debug("loading Bugpilot script", slog.String("src", src))

	err := c.document.AppendScript(Script{
		ID:    ScriptElementID,
		Src:   src,
		Async: true,
		Defer: true,
	}, func(err error) {
		if err != nil {
			c.logger.Warn("Bugpilot script failed to load, check for ad blockers.", slog.String("error", err.Error()))
			return
		}
		c.logger.Debug("Bugpilot script loaded.")
	})
	if err != nil {
		c.logger.Warn("Bugpilot script could not be injected", slog.String("error", err.Error()))
		return MountSkipped, err
	}
	return MountInjected, nil
}

// Capturer reports one error. *capture.Pipeline implements it.
type Capturer interface {
	Capture(ctx context.Context, err error, cc datatypes.CaptureContext) capture.Outcome
}

// ReportErrorPage is the error boundary hook: it captures err with a client
// context of kind and asks the bridge to save a report.
func (c *Client) ReportErrorPage(ctx context.Context, capturer Capturer, err error, kind datatypes.Kind) {
	if err == nil {
		return
	}
	if capturer != nil {
		c.inflight.Add(1)
		go func() {
			defer c.inflight.Done()
			capturer.Capture(ctx, err, datatypes.ClientContext{Kind: kind})
		}()
	}
	c.Report(map[string]any{"triggerType": string(kind)}, nil)
}
