package scrape

import "strings"

// BlockType describes the kind of block detected.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockLoginWall  BlockType = "login_wall"
)

// DetectBlock inspects fetched text for signs of anti-bot protection or a
// login wall. Readers return challenge pages as ordinary content, so this
// runs on every fetched body.
func DetectBlock(text string) (bool, BlockType) {
	lower := strings.ToLower(text)

	// Cloudflare challenge page markers.
	if strings.Contains(lower, "checking your browser") ||
		strings.Contains(lower, "cf-browser-verification") ||
		(strings.Contains(lower, "cloudflare") && strings.Contains(lower, "challenge")) {
		return true, BlockCloudflare
	}

	// Captcha markers.
	if strings.Contains(lower, "captcha") ||
		strings.Contains(lower, "recaptcha") ||
		strings.Contains(lower, "hcaptcha") {
		return true, BlockCaptcha
	}

	// Social login walls.
	if len(lower) < 3000 {
		if strings.Contains(lower, "sign in to continue") ||
			strings.Contains(lower, "join linkedin") ||
			strings.Contains(lower, "log in to see") ||
			strings.Contains(lower, "entre para ver") {
			return true, BlockLoginWall
		}
	}

	return false, BlockNone
}
