// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package tasks

import "context"

var _sessionKey = contextKey("buildgraph.session")

// WithSessionID attaches the id of the session on whose behalf work is performed.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, _sessionKey, id)
}

func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(_sessionKey).(string); ok {
		return v
	}
	return ""
}
