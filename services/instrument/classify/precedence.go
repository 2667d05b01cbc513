// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package classify

import (
	"github.com/AleutianAI/bugpilot/services/datatypes"
)

// Precedence is the fixed resolution order used when several roles match.
//
// The first entry wins. KindFunction is the fallback and always matches.
var Precedence = []datatypes.Kind{
	datatypes.KindPageComponent,
	datatypes.KindServerComponent,
	datatypes.KindServerAction,
	datatypes.KindRouteHandler,
	datatypes.KindMiddleware,
	datatypes.KindAPIRoute,
	datatypes.KindFunction,
}

// Allows reports whether the path permits the given kind.
func (f PathFlags) Allows(kind datatypes.Kind) bool {
	switch kind {
	case datatypes.KindPageComponent:
		return f.IsPage
	case datatypes.KindServerComponent:
		return f.IsServerComponentCandidate
	case datatypes.KindServerAction:
		return f.IsServerActionCandidate
	case datatypes.KindRouteHandler:
		return f.IsRouteHandler
	case datatypes.KindMiddleware:
		return f.IsMiddleware
	case datatypes.KindAPIRoute:
		return f.IsAPIRoute
	case datatypes.KindFunction:
		return true
	}
	return false
}

// PrimaryKind returns the highest-precedence kind the path allows.
func (f PathFlags) PrimaryKind() datatypes.Kind {
	for _, kind := range Precedence {
		if f.Allows(kind) {
			return kind
		}
	}
	return datatypes.KindFunction
}

// Kinds returns every kind the path allows, in precedence order.
func (f PathFlags) Kinds() []datatypes.Kind {
	kinds := make([]datatypes.Kind, 0, len(Precedence))
	for _, kind := range Precedence {
		if f.Allows(kind) {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}
