package metadata

import (
	"net/http"
	"strings"

	"github.com/mssola/useragent"

	"veriflow/pkg/requestcontext"
)

// ClientMetadata extracts client IP, User-Agent and a device summary from the
// request and adds them to the context. Audit entries read these as the
// caller's network origin. Apply early in the chain.
func ClientMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent := r.Header.Get("User-Agent")

		ctx := requestcontext.WithClientMetadata(r.Context(), ClientIPFromRequest(r), userAgent)
		ctx = requestcontext.WithDevice(ctx, DeviceSummary(userAgent))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// DeviceSummary renders "browser/os" (plus "mobile" or "bot") for a User-Agent.
// Native clients whose agent cannot be parsed return the raw product token.
func DeviceSummary(userAgent string) string {
	if userAgent == "" {
		return ""
	}
	ua := useragent.New(userAgent)
	if ua.Bot() {
		return "bot"
	}
	browser, _ := ua.Browser()
	os := ua.OS()
	if browser == "" && os == "" {
		product, _, _ := strings.Cut(userAgent, " ")
		return product
	}
	summary := browser + "/" + os
	if ua.Mobile() {
		summary += "/mobile"
	}
	return summary
}

// ClientIPFromRequest extracts the real client IP from the request, handling proxies and load balancers.
func ClientIPFromRequest(r *http.Request) string {
	// X-Forwarded-For can contain multiple IPs (client, proxy1, proxy2, ...)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	// RemoteAddr is "ip:port" ("[::1]:port" for IPv6)
	if addr := r.RemoteAddr; addr != "" {
		if idx := strings.LastIndex(addr, ":"); idx != -1 {
			return addr[:idx]
		}
		return addr
	}

	return "unknown"
}
