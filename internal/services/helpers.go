package services

import (
	"context"
	"net/url"
	"strings"
)

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

// frontendLink builds "<base><path>?token=<token>".
func frontendLink(base, path, token string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	return base + path + "?token=" + url.QueryEscape(token)
}
