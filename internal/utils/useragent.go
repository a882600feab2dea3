package utils

import (
	"strings"

	ua "github.com/mssola/user_agent"
)

// ClientInfo is the part of a User-Agent we log per request
type ClientInfo struct {
	Platform string `json:"platform"` // android, ios, windows, mac, linux
	Browser  string `json:"browser"`
	Mobile   bool   `json:"mobile"`
	Bot      bool   `json:"bot"`
}

var platformMap = []struct {
	needle   string
	platform string
}{
	{"android", "android"},
	{"iphone os", "ios"},
	{"ios", "ios"},
	{"ipad", "ios"},
	{"windows", "windows"},
	{"mac os x", "mac"},
	{"macos", "mac"},
	{"chrome os", "chromeos"},
	{"linux", "linux"},
	{"ubuntu", "linux"},
}

// ParseUserAgent extracts platform and browser from a User-Agent string.
// Native app clients that send a bare product token come back as "unknown".
func ParseUserAgent(userAgent string) ClientInfo {
	if userAgent == "" || userAgent == "Unknown" {
		return ClientInfo{Platform: "unknown", Browser: "unknown"}
	}

	parser := ua.New(userAgent)
	browser, _ := parser.Browser()
	if browser == "" {
		browser = "unknown"
	}

	return ClientInfo{
		Platform: platformOf(parser),
		Browser:  browser,
		Mobile:   parser.Mobile(),
		Bot:      parser.Bot(),
	}
}

func platformOf(parser *ua.UserAgent) string {
	osName := strings.ToLower(parser.OSInfo().Name)
	if osName == "" {
		osName = strings.ToLower(parser.Platform())
	}
	for _, p := range platformMap {
		if strings.Contains(osName, p.needle) {
			return p.platform
		}
	}
	return "unknown"
}
