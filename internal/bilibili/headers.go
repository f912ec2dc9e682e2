package bilibili

import (
	"net/http"
	"strings"
)

const (
	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	referer   = "https://www.bilibili.com"

	acceptJSON = "application/json, text/plain, */*"
	acceptHTML = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
)

// SetOriginHeaders decorates req with the headers the platform and its media
// CDN require. Requests without a matching Referer are refused by the CDN.
func SetOriginHeaders(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", referer)
	req.Header.Set("Accept", acceptJSON)
}

// normalizeURL turns protocol-relative addresses into https ones.
func normalizeURL(u string) string {
	if strings.HasPrefix(u, "//") {
		return "https:" + u
	}
	return u
}
