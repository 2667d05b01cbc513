// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rewrite

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/AleutianAI/bugpilot/services/datatypes"
)

// EncodeContext renders bc as an object literal.
//
// Strings, booleans and numbers become literals. Any other value, including
// an unset optional field, becomes null.
func EncodeContext(bc datatypes.BuildContext) string {
	fields := bc.Fields()
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f.Key+": "+literal(f.Value))
	}
	return "{ " + strings.Join(parts, ", ") + " }"
}

func literal(v any) string {
	switch x := v.(type) {
	case string:
		// JSON string escaping is a valid JS string literal, including
		// U+2028 and U+2029.
		b, err := json.Marshal(x)
		if err != nil {
			return "null"
		}
		return string(b)
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return "null"
	}
}
